package cwmp

import "fmt"

// TierEntry is one batch of parameter paths requested together. The key
// identifies the entry in a session's attempted set; a key is attempted at
// most once per session.
type TierEntry struct {
	Key    string
	Params []string
}

// Tier is an ordered group of entries. Tiers are scanned in priority order:
// core, extended, dynamic host, optional.
type Tier struct {
	Name    string
	Entries []TierEntry
}

// HostCountParam reports how many LAN hosts the CPE currently tracks. Seeing
// it in a response starts host enumeration.
const HostCountParam = "InternetGatewayDevice.LANDevice.1.Hosts.HostNumberOfEntries"

const hostTablePrefix = "InternetGatewayDevice.LANDevice.1.Hosts.Host."

// Paths used by the task bridge when building SetParameterValues batches.
const (
	WLANEnableParam       = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.Enable"
	WLANSSIDParam         = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.SSID"
	WLANBeaconTypeParam   = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.BeaconType"
	WLANAuthModeParam     = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.IEEE11iAuthenticationMode"
	WLANEncryptionParam   = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.IEEE11iEncryptionModes"
	WLANPassphraseParam   = "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.PreSharedKey.1.KeyPassphrase"
	WANPPPEnableParam     = "InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANPPPConnection.1.Enable"
	WANPPPConnTypeParam   = "InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANPPPConnection.1.ConnectionType"
	WANPPPUsernameParam   = "InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANPPPConnection.1.Username"
	WANPPPPasswordParam   = "InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANPPPConnection.1.Password"
	ConnectionRequestURL  = "InternetGatewayDevice.ManagementServer.ConnectionRequestURL"
	SoftwareVersionParam  = "InternetGatewayDevice.DeviceInfo.SoftwareVersion"
	HardwareVersionParam  = "InternetGatewayDevice.DeviceInfo.HardwareVersion"
	ModelNameParam        = "InternetGatewayDevice.DeviceInfo.ModelName"
	UpTimeParam           = "InternetGatewayDevice.DeviceInfo.UpTime"
	SerialNumberParam     = "InternetGatewayDevice.DeviceInfo.SerialNumber"
)

// OpticalPowerParams are requested one per GetParameterValues during an info
// task, since ONTs commonly fault on the variants they do not implement.
var OpticalPowerParams = []string{
	"InternetGatewayDevice.WANDevice.1.X_GponInterafceConfig.RXPower",
	"InternetGatewayDevice.WANDevice.1.X_GponInterafceConfig.TXPower",
	"InternetGatewayDevice.WANDevice.1.WANDeviceIF.1.OnuOpticalInfo.RxOpticalPower",
	"Device.Optical.Interface.1.OpticalSignalLevel",
}

// WANIPInfoParams is the WAN-IP batch used by the info task.
var WANIPInfoParams = []string{
	"InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANIPConnection.1.Enable",
	"InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANIPConnection.1.ConnectionStatus",
	"InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANIPConnection.1.ExternalIPAddress",
	"InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANIPConnection.1.AddressingType",
}

// WANPPPInfoParams is the WAN-PPPoE batch used by the info task.
var WANPPPInfoParams = []string{
	WANPPPEnableParam,
	WANPPPUsernameParam,
	"InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANPPPConnection.1.ConnectionStatus",
	"InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANPPPConnection.1.ExternalIPAddress",
}

// DeviceInfoParams is the core identity batch.
var DeviceInfoParams = []string{
	SoftwareVersionParam,
	HardwareVersionParam,
	ModelNameParam,
	UpTimeParam,
}

// huaweiAliases maps standard TR-098 leaves to the X_HW_* variants some
// Huawei firmware answers instead of (or in addition to) the standard path.
var huaweiAliases = map[string]string{
	WLANSSIDParam:       "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.X_HW_SSID",
	SerialNumberParam:   "InternetGatewayDevice.DeviceInfo.X_HW_SerialNumber",
	WLANPassphraseParam: "InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.X_HW_PreSharedKey",
}

// AliasFor returns the vendor variant of a parameter path, or the path
// itself when the device class has no alias for it.
func AliasFor(class DeviceClass, param string) string {
	if class != ClassHuawei {
		return param
	}
	if alias, ok := huaweiAliases[param]; ok {
		return alias
	}
	return param
}

// AlwaysRequested is the fixed set appended to the InformResponse as a
// compound reply, saving one round trip on every discovery window.
func AlwaysRequested() []string {
	params := append([]string{}, DeviceInfoParams...)
	return append(params, HostCountParam)
}

// alwaysRequestedKeys are the tier keys covered by AlwaysRequested; they are
// marked attempted when the compound Inform reply is produced.
func alwaysRequestedKeys() []string {
	return []string{"core.device_info", "core.host_count"}
}

// CoreTier returns the first parameter tier.
func CoreTier(class DeviceClass) Tier {
	return Tier{
		Name: "core",
		Entries: []TierEntry{
			{Key: "core.device_info", Params: DeviceInfoParams},
			{Key: "core.host_count", Params: []string{HostCountParam}},
			{Key: "core.mgmt", Params: []string{ConnectionRequestURL}},
		},
	}
}

// ExtendedTier returns the second parameter tier.
func ExtendedTier(class DeviceClass) Tier {
	wlan := []string{
		WLANEnableParam,
		WLANSSIDParam,
		"InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.TotalAssociations",
	}
	if class == ClassHuawei {
		wlan = append(wlan, huaweiAliases[WLANSSIDParam])
	}
	return Tier{
		Name: "extended",
		Entries: []TierEntry{
			{Key: "ext.wlan", Params: wlan},
			{Key: "ext.wan_ip", Params: WANIPInfoParams},
			{Key: "ext.wan_ppp", Params: WANPPPInfoParams},
		},
	}
}

// HostTier returns the dynamically generated host entries for indices the
// session has not attempted yet. Key shape matches hostEntryKey.
func HostTier(hostCount int) Tier {
	tier := Tier{Name: "host"}
	for i := 1; i <= hostCount; i++ {
		tier.Entries = append(tier.Entries, HostEntry(i))
	}
	return tier
}

// HostEntry returns the batch for a single host table index.
func HostEntry(index int) TierEntry {
	base := fmt.Sprintf("%s%d.", hostTablePrefix, index)
	return TierEntry{
		Key: hostEntryKey(index),
		Params: []string{
			base + "Active",
			base + "IPAddress",
			base + "HostName",
			base + "MACAddress",
		},
	}
}

func hostEntryKey(index int) string {
	return fmt.Sprintf("host.%d", index)
}

// OptionalTier returns the last parameter tier.
func OptionalTier(class DeviceClass) Tier {
	entries := []TierEntry{
		{Key: "opt.periodic_inform", Params: []string{
			"InternetGatewayDevice.ManagementServer.PeriodicInformEnable",
			"InternetGatewayDevice.ManagementServer.PeriodicInformInterval",
		}},
		{Key: "opt.optical", Params: []string{
			"InternetGatewayDevice.WANDevice.1.X_GponInterafceConfig.RXPower",
			"InternetGatewayDevice.WANDevice.1.X_GponInterafceConfig.TXPower",
		}},
	}
	if class == ClassHuawei {
		entries = append(entries, TierEntry{Key: "opt.hw_security", Params: []string{
			"InternetGatewayDevice.X_HW_Security.AclServices.HTTPWanEnable",
			"InternetGatewayDevice.X_HW_Security.AclServices.TELNETWanEnable",
		}})
	}
	return Tier{Name: "optional", Entries: entries}
}

// Tiers returns the static tiers in selection priority order for a device
// class. The host tier is dynamic and inserted by the planner between
// extended and optional once a host count is known.
func Tiers(class DeviceClass, hostCount int) []Tier {
	return []Tier{
		CoreTier(class),
		ExtendedTier(class),
		HostTier(hostCount),
		OptionalTier(class),
	}
}
