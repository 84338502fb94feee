package webstore

import (
	"fmt"
	"net/url"
)

// OS is the operating system reported to the update service.
type OS string

const (
	OSWindows  OS = "win"
	OSLinux    OS = "linux"
	OSMac      OS = "mac"
	OSChromeOS OS = "cros"
	OSBSD      OS = "openbsd"
	OSAndroid  OS = "android"
)

// Arch is a CPU architecture reported to the update service.
type Arch string

const (
	ArchARM   Arch = "arm"
	ArchX86   Arch = "x86-32"
	ArchAMD64 Arch = "x86-64"
)

// Product is the browser product reported to the update service.
type Product string

const (
	ProductChrome   Product = "chromecrx"
	ProductChromium Product = "chromiumcrx"
)

// ParseOS validates an operating system name.
func ParseOS(s string) (OS, error) {
	switch o := OS(s); o {
	case OSWindows, OSLinux, OSMac, OSChromeOS, OSBSD, OSAndroid:
		return o, nil
	}
	return "", fmt.Errorf("webstore: unknown os %q", s)
}

// ParseArch validates an architecture name.
func ParseArch(s string) (Arch, error) {
	switch a := Arch(s); a {
	case ArchARM, ArchX86, ArchAMD64:
		return a, nil
	}
	return "", fmt.Errorf("webstore: unknown arch %q", s)
}

// ParseProduct validates a product name.
func ParseProduct(s string) (Product, error) {
	switch p := Product(s); p {
	case ProductChrome, ProductChromium:
		return p, nil
	}
	return "", fmt.Errorf("webstore: unknown product %q", s)
}

// Query holds the parameters sent to the update service.
type Query struct {
	Response string
	OS       OS
	Arch     Arch
	OSArch   Arch
	NaClArch Arch
	Product  Product

	// ProdChannel is "unknown" on many Linux Chromium builds, which the
	// service accepts.
	ProdChannel string

	// ProdVersion must be at least 31.0.1609.0; older versions receive
	// 204 No Content.
	ProdVersion string

	AcceptFormat string
}

// DefaultQuery returns the parameters of a current 64-bit Windows Chrome.
func DefaultQuery() Query {
	return Query{
		Response:     "redirect",
		OS:           OSWindows,
		Arch:         ArchAMD64,
		OSArch:       ArchAMD64,
		NaClArch:     ArchAMD64,
		Product:      ProductChrome,
		ProdChannel:  "unknown",
		ProdVersion:  "9999.0.9999.0",
		AcceptFormat: "crx2,crx3",
	}
}

// Values encodes the query for extension id.
func (q Query) Values(id string) url.Values {
	v := url.Values{}
	v.Set("response", q.Response)
	v.Set("os", string(q.OS))
	v.Set("arch", string(q.Arch))
	v.Set("os_arch", string(q.OSArch))
	v.Set("nacl_arch", string(q.NaClArch))
	v.Set("prod", string(q.Product))
	v.Set("prodchannel", q.ProdChannel)
	v.Set("prodversion", q.ProdVersion)
	v.Set("acceptformat", q.AcceptFormat)
	v.Set("x", "id="+id+"&uc")
	return v
}

// cacheKey identifies a download of id under q.
func (q Query) cacheKey(id string) string {
	return id + "?" + q.Values(id).Encode()
}
