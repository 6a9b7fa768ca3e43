package inventory

import "testing"

func TestProductModel_Known(t *testing.T) {
	if got := productModel("iPhone15,2"); got != "iPhone 14 Pro" {
		t.Errorf("productModel(iPhone15,2) = %q, want iPhone 14 Pro", got)
	}
}

func TestProductModel_Unknown(t *testing.T) {
	if got := productModel("iPhone99,9"); got != "Unknown" {
		t.Errorf("productModel(unknown) = %q, want Unknown", got)
	}
}

func TestProductModel_Empty(t *testing.T) {
	if got := productModel(""); got != "" {
		t.Errorf("productModel(\"\") = %q, want empty (simulator marker)", got)
	}
}

func TestDescribe_UnknownUDIDReturnsEmptyIdentity(t *testing.T) {
	id := Describe("not-a-real-udid")
	if id.UDID != "not-a-real-udid" {
		t.Errorf("Describe() UDID = %q", id.UDID)
	}
	if id.Name != "" || id.Model != "" {
		t.Errorf("Describe() on unknown udid should yield empty Name/Model, got %+v", id)
	}
}

func TestList_NeverPanicsWithoutToolchain(t *testing.T) {
	// In a sandbox without idevice/simctl tooling, both sources swallow to
	// empty; List must still return a (possibly empty) non-nil map.
	got := List()
	if got == nil {
		t.Error("List() returned nil map, want empty map on tool failure")
	}
}
