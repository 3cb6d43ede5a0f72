package cwmp

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ont-acs/internal/models"
)

func taskOf(t *testing.T, taskType models.TaskType, payload any) *models.DeviceTask {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &models.DeviceTask{ID: 7, DeviceID: 1, Type: taskType, Status: models.TaskPending, Data: data}
}

func TestValidateWiFiTask(t *testing.T) {
	tests := []struct {
		name    string
		data    models.WiFiTaskData
		wantErr string
	}{
		{"valid open", models.WiFiTaskData{SSID: "Home"}, ""},
		{"valid psk", models.WiFiTaskData{SSID: "Home", Password: "sup3rsecret"}, ""},
		{"empty ssid", models.WiFiTaskData{SSID: "  "}, "ssid"},
		{"short password", models.WiFiTaskData{SSID: "Home", Password: "short"}, "8-63"},
		{"long password", models.WiFiTaskData{SSID: "Home", Password: strings.Repeat("p", 64)}, "8-63"},
		{"control chars", models.WiFiTaskData{SSID: "Home", Password: "pass\x01word"}, "printable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWiFiTask(&tt.data)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestWiFiTaskWithPasswordSetsPSK(t *testing.T) {
	sess := newSession("ABC", ClassGeneric)
	task := taskOf(t, models.TaskWiFi, models.WiFiTaskData{SSID: "Home", Password: "sup3rsecret"})

	rpc, err := PlanTaskRPC(sess, task)
	require.NoError(t, err)

	assert.Contains(t, rpc, WLANSSIDParam)
	assert.Contains(t, rpc, ">Home</Value>")
	assert.Contains(t, rpc, "PSKAuthentication")
	assert.Contains(t, rpc, "AESEncryption")
	assert.Contains(t, rpc, "sup3rsecret")
	assert.Contains(t, rpc, ">11i</Value>")
	assert.Contains(t, rpc, ">task-7</cwmp:ID>")
}

func TestWiFiTaskWithoutPasswordDisablesSecurity(t *testing.T) {
	sess := newSession("ABC", ClassGeneric)
	task := taskOf(t, models.TaskWiFi, models.WiFiTaskData{SSID: "OpenNet"})

	rpc, err := PlanTaskRPC(sess, task)
	require.NoError(t, err)

	assert.Contains(t, rpc, ">Basic</Value>")
	assert.NotContains(t, rpc, "PreSharedKey")
	assert.NotContains(t, rpc, "PSKAuthentication")
}

func TestWiFiTaskUsesHuaweiAlias(t *testing.T) {
	sess := newSession("ABC", ClassHuawei)
	task := taskOf(t, models.TaskWiFi, models.WiFiTaskData{SSID: "Home"})

	rpc, err := PlanTaskRPC(sess, task)
	require.NoError(t, err)
	assert.Contains(t, rpc, "X_HW_SSID")
}

func TestWANTaskRequiresUsername(t *testing.T) {
	sess := newSession("ABC", ClassGeneric)
	task := taskOf(t, models.TaskPPPoE, models.WANTaskData{Username: ""})

	_, err := PlanTaskRPC(sess, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username")
}

func TestWANTaskBuildsCredentialBatch(t *testing.T) {
	sess := newSession("ABC", ClassGeneric)
	task := taskOf(t, models.TaskWAN, models.WANTaskData{Username: "user@isp", Password: "pppsecret"})

	rpc, err := PlanTaskRPC(sess, task)
	require.NoError(t, err)

	assert.Contains(t, rpc, WANPPPUsernameParam)
	assert.Contains(t, rpc, "user@isp")
	assert.Contains(t, rpc, "pppsecret")
	assert.Contains(t, rpc, ">IP_Routed</Value>")
}

func TestRebootTaskCommandKeyUnique(t *testing.T) {
	sess := newSession("ABC", ClassGeneric)
	task := taskOf(t, models.TaskReboot, models.RebootTaskData{})

	first, err := PlanTaskRPC(sess, task)
	require.NoError(t, err)
	second, err := PlanTaskRPC(sess, task)
	require.NoError(t, err)

	assert.Contains(t, first, "<cwmp:Reboot>")
	assert.NotEqual(t, first, second, "command keys must be unique per request")
}

func TestDelayedRebootNeedsHuawei(t *testing.T) {
	data := models.RebootTaskData{Delayed: true, DelaySeconds: 60}

	sess := newSession("ABC", ClassHuawei)
	rpc, err := PlanTaskRPC(sess, taskOf(t, models.TaskReboot, data))
	require.NoError(t, err)
	assert.Contains(t, rpc, "X_HW_DelayReboot")
	assert.Contains(t, rpc, "<DelaySeconds>60</DelaySeconds>")

	// Other vendors fall back to the standard RPC.
	sess = newSession("ABC", ClassGeneric)
	rpc, err = PlanTaskRPC(sess, taskOf(t, models.TaskReboot, data))
	require.NoError(t, err)
	assert.Contains(t, rpc, "<cwmp:Reboot>")
}

func TestInfoTaskQueuesRemainingBatches(t *testing.T) {
	sess := newSession("ABC", ClassHuawei)
	task := &models.DeviceTask{ID: 7, DeviceID: 1, Type: models.TaskInfo, Status: models.TaskPending}

	rpc, err := PlanTaskRPC(sess, task)
	require.NoError(t, err)

	assert.Contains(t, rpc, SoftwareVersionParam)
	assert.Contains(t, rpc, HostCountParam)

	// Remaining plan: WAN-IP, WAN-PPPoE, one batch per optical path.
	require.Len(t, sess.TaskBatches, 2+len(OpticalPowerParams))
	for _, batch := range sess.TaskBatches[2:] {
		assert.Len(t, batch, 1, "optical power paths go one per request")
	}
}

func TestGetParametersTask(t *testing.T) {
	sess := newSession("ABC", ClassGeneric)
	task := taskOf(t, models.TaskGetParameters, models.GetParametersTaskData{
		Names: []string{UpTimeParam, ModelNameParam},
	})

	rpc, err := PlanTaskRPC(sess, task)
	require.NoError(t, err)
	assert.Contains(t, rpc, UpTimeParam)
	assert.Contains(t, rpc, `arrayType="xsd:string[2]"`)

	empty := taskOf(t, models.TaskGetParameters, models.GetParametersTaskData{})
	_, err = PlanTaskRPC(sess, empty)
	assert.Error(t, err)
}

func TestTaskEnvelopeIDRoundTrip(t *testing.T) {
	task := &models.DeviceTask{ID: 451}
	id, ok := taskIDFromEnvelope(taskEnvelopeID(task))
	require.True(t, ok)
	assert.Equal(t, int64(451), id)

	_, ok = taskIDFromEnvelope("42")
	assert.False(t, ok)
	_, ok = taskIDFromEnvelope("task-notanumber")
	assert.False(t, ok)
}
