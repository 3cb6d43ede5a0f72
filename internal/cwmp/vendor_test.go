package cwmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectClass(t *testing.T) {
	tests := []struct {
		name         string
		userAgent    string
		manufacturer string
		productClass string
		want         DeviceClass
	}{
		{"huawei ua", "HuaweiHomeGateway/1.0", "", "", ClassHuawei},
		{"hw_ ua", "HW_ATP_TR069", "", "", ClassHuawei},
		{"hg8 ua", "hg8245h-agent", "", "", ClassHuawei},
		{"huawei manufacturer", "tr069-agent", "Huawei Technologies Co., Ltd", "", ClassHuawei},
		{"hg8 product class", "cwmp client", "", "HG8145V5", ClassHuawei},
		{"eg8 product class", "cwmp client", "", "EG8141A5", ClassHuawei},
		{"mikrotik ua", "Mikrotik/7.1 (TR069)", "", "", ClassMikroTik},
		{"mikrotik beats huawei", "MikroTik", "Huawei", "", ClassMikroTik},
		{"unknown", "udpcast", "ZTE", "F670L", ClassGeneric},
		{"empty", "", "", "", ClassGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectClass(tt.userAgent, tt.manufacturer, tt.productClass)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAliasFor(t *testing.T) {
	assert.Equal(t,
		"InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.X_HW_SSID",
		AliasFor(ClassHuawei, WLANSSIDParam))
	assert.Equal(t, WLANSSIDParam, AliasFor(ClassGeneric, WLANSSIDParam))
	assert.Equal(t, UpTimeParam, AliasFor(ClassHuawei, UpTimeParam))
}

func TestHuaweiTiersCarryVendorEntries(t *testing.T) {
	var keys []string
	for _, tier := range Tiers(ClassHuawei, 0) {
		for _, entry := range tier.Entries {
			keys = append(keys, entry.Key)
		}
	}
	assert.Contains(t, keys, "opt.hw_security")

	keys = keys[:0]
	for _, tier := range Tiers(ClassGeneric, 0) {
		for _, entry := range tier.Entries {
			keys = append(keys, entry.Key)
		}
	}
	assert.NotContains(t, keys, "opt.hw_security")
}
