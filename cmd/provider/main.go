// Command provider is the iOS device provider agent: it discovers attached
// devices, supervises a WebDriverAgent instance per device, reverse-proxies
// its HTTP and screen traffic, and reports status to a control-plane
// server. See `provider --help`.
package main

import (
	"github.com/devicelab-dev/ios-provider/pkg/cli"
)

func main() {
	cli.Execute()
}
