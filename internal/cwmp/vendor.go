package cwmp

import "strings"

// DeviceClass drives per-vendor parameter aliasing and session handling.
type DeviceClass int

const (
	ClassGeneric DeviceClass = iota
	ClassHuawei
	ClassMikroTik
)

func (c DeviceClass) String() string {
	switch c {
	case ClassHuawei:
		return "huawei"
	case ClassMikroTik:
		return "mikrotik"
	default:
		return "generic"
	}
}

// DetectClass classifies a CPE from its User-Agent header and the
// manufacturer/product class announced in the Inform. MikroTik routers are
// managed over the RouterOS API instead of CWMP, so they are detected first
// and short-circuited by the session handler.
func DetectClass(userAgent, manufacturer, productClass string) DeviceClass {
	ua := strings.ToLower(userAgent)
	mf := strings.ToLower(manufacturer)
	pc := strings.ToLower(productClass)

	if strings.Contains(ua, "mikrotik") || strings.Contains(mf, "mikrotik") {
		return ClassMikroTik
	}
	if strings.Contains(mf, "huawei") || strings.Contains(ua, "huawei") ||
		strings.Contains(ua, "hw_") || strings.Contains(ua, "hg8") ||
		strings.Contains(pc, "hg8") || strings.Contains(pc, "hw_") ||
		strings.HasPrefix(pc, "eg8") {
		return ClassHuawei
	}
	return ClassGeneric
}
