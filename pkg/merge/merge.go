// Package merge implements the recursive map merge used to fold partial
// device-property updates into the payload reported to the control plane.
package merge

// Recursive merges u into d in place and returns d: for every key in u,
// if both d[key] and u[key] are themselves map[string]any, they are merged
// recursively; otherwise u[key] overwrites d[key]. Grounded on
// original_source/utils.py's update_recursive.
func Recursive(d, u map[string]any) map[string]any {
	if d == nil {
		d = make(map[string]any, len(u))
	}
	for k, v := range u {
		if uv, ok := v.(map[string]any); ok {
			if dv, ok := d[k].(map[string]any); ok {
				d[k] = Recursive(dv, uv)
				continue
			}
			d[k] = Recursive(make(map[string]any, len(uv)), uv)
			continue
		}
		d[k] = v
	}
	return d
}
