package cwmp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"ont-acs/internal/models"
)

// taskIDPrefix marks envelope IDs belonging to task RPCs, so the response
// (or fault) that echoes the ID can be routed back to the task.
const taskIDPrefix = "task-"

func taskEnvelopeID(task *models.DeviceTask) string {
	return fmt.Sprintf("%s%d", taskIDPrefix, task.ID)
}

// taskIDFromEnvelope reports the task id carried by an envelope ID, if any.
func taskIDFromEnvelope(id string) (int64, bool) {
	if !strings.HasPrefix(id, taskIDPrefix) {
		return 0, false
	}
	var taskID int64
	if _, err := fmt.Sscanf(id[len(taskIDPrefix):], "%d", &taskID); err != nil {
		return 0, false
	}
	return taskID, true
}

var passphraseCharset = regexp.MustCompile(`^[\x20-\x7e]+$`)

// ValidateWiFiTask checks a wifi payload before any RPC is built. An error
// here fails the task without touching the device.
func ValidateWiFiTask(data *models.WiFiTaskData) error {
	if strings.TrimSpace(data.SSID) == "" {
		return fmt.Errorf("ssid must not be empty")
	}
	if data.Password != "" {
		if len(data.Password) < 8 || len(data.Password) > 63 {
			return fmt.Errorf("wifi password must be 8-63 characters, got %d", len(data.Password))
		}
		if !passphraseCharset.MatchString(data.Password) {
			return fmt.Errorf("wifi password contains characters outside the printable ASCII range")
		}
	}
	return nil
}

func buildWiFiRPC(class DeviceClass, task *models.DeviceTask) (string, error) {
	var data models.WiFiTaskData
	if err := json.Unmarshal(task.Data, &data); err != nil {
		return "", fmt.Errorf("invalid wifi task payload: %w", err)
	}
	if err := ValidateWiFiTask(&data); err != nil {
		return "", err
	}

	values := []ParameterValue{
		{Name: WLANEnableParam, Value: "1", Type: "boolean"},
		{Name: AliasFor(class, WLANSSIDParam), Value: data.SSID},
	}
	if data.Password != "" {
		values = append(values,
			ParameterValue{Name: WLANBeaconTypeParam, Value: "11i"},
			ParameterValue{Name: WLANAuthModeParam, Value: "PSKAuthentication"},
			ParameterValue{Name: WLANEncryptionParam, Value: "AESEncryption"},
			ParameterValue{Name: AliasFor(class, WLANPassphraseParam), Value: data.Password},
		)
	} else {
		values = append(values, ParameterValue{Name: WLANBeaconTypeParam, Value: "Basic"})
	}
	return BuildSetParameterValues(taskEnvelopeID(task), commandKey("wifi"), values), nil
}

func buildWANRPC(task *models.DeviceTask) (string, error) {
	var data models.WANTaskData
	if err := json.Unmarshal(task.Data, &data); err != nil {
		return "", fmt.Errorf("invalid wan task payload: %w", err)
	}
	if strings.TrimSpace(data.Username) == "" {
		return "", fmt.Errorf("pppoe username must not be empty")
	}
	connType := data.ConnectionType
	if connType == "" {
		connType = "IP_Routed"
	}

	values := []ParameterValue{
		{Name: WANPPPEnableParam, Value: "1", Type: "boolean"},
		{Name: WANPPPConnTypeParam, Value: connType},
		{Name: WANPPPUsernameParam, Value: data.Username},
	}
	if data.Password != "" {
		values = append(values, ParameterValue{Name: WANPPPPasswordParam, Value: data.Password})
	}
	return BuildSetParameterValues(taskEnvelopeID(task), commandKey("wan"), values), nil
}

func buildRebootRPC(class DeviceClass, task *models.DeviceTask) (string, error) {
	var data models.RebootTaskData
	if len(task.Data) > 0 {
		if err := json.Unmarshal(task.Data, &data); err != nil {
			return "", fmt.Errorf("invalid reboot task payload: %w", err)
		}
	}
	key := commandKey("reboot")
	if data.Delayed && class == ClassHuawei {
		delay := data.DelaySeconds
		if delay <= 0 {
			delay = 30
		}
		return BuildDelayedReboot(taskEnvelopeID(task), key, delay), nil
	}
	return BuildReboot(taskEnvelopeID(task), key), nil
}

func buildGetParametersRPC(task *models.DeviceTask) (string, error) {
	var data models.GetParametersTaskData
	if err := json.Unmarshal(task.Data, &data); err != nil {
		return "", fmt.Errorf("invalid get_parameters task payload: %w", err)
	}
	if len(data.Names) == 0 {
		return "", fmt.Errorf("get_parameters task carries no parameter names")
	}
	return BuildGetParameterValues(taskEnvelopeID(task), data.Names), nil
}

// infoBatches is the ordered request plan of an info task before any host
// count is known. Optical power paths go one per request since ONTs fault
// on the variants they do not implement, and a fault kills the whole batch.
func infoBatches(class DeviceClass) [][]string {
	batches := [][]string{
		append(append([]string{}, DeviceInfoParams...), HostCountParam),
		append([]string{}, WANIPInfoParams...),
		append([]string{}, WANPPPInfoParams...),
	}
	for _, p := range OpticalPowerParams {
		batches = append(batches, []string{p})
	}
	return batches
}

// infoHostBatches is the follow-up plan once the host count is known.
func infoHostBatches(hostCount int) [][]string {
	var batches [][]string
	for i := 1; i <= hostCount; i++ {
		batches = append(batches, HostEntry(i).Params)
	}
	return batches
}

// PlanTaskRPC turns a bound task into its first outbound RPC. For info
// tasks the remaining batches are queued on the session and consumed one
// per round trip by the planner. A nil error with an empty string never
// happens; a non-nil error means the task must be failed with that message
// and no RPC sent.
func PlanTaskRPC(sess *Session, task *models.DeviceTask) (string, error) {
	switch task.Type {
	case models.TaskWiFi:
		return buildWiFiRPC(sess.Class, task)
	case models.TaskWAN, models.TaskPPPoE:
		return buildWANRPC(task)
	case models.TaskReboot:
		return buildRebootRPC(sess.Class, task)
	case models.TaskGetParameters:
		return buildGetParametersRPC(task)
	case models.TaskInfo:
		batches := infoBatches(sess.Class)
		if sess.HostCount > 0 {
			batches = append(batches, infoHostBatches(sess.HostCount)...)
		}
		sess.TaskBatches = batches[1:]
		return BuildGetParameterValues(taskEnvelopeID(task), batches[0]), nil
	default:
		return "", fmt.Errorf("unsupported task type %q", task.Type)
	}
}

// commandKey builds a unique Reboot/ParameterKey token under the protocol
// length limit.
func commandKey(prefix string) string {
	return clampCommandKey(prefix + "-" + uuid.NewString()[:8])
}

// TaskResultMessage is the operator-facing completion text per task type.
func TaskResultMessage(taskType models.TaskType) string {
	switch taskType {
	case models.TaskWiFi:
		return "WiFi settings applied"
	case models.TaskWAN, models.TaskPPPoE:
		return "WAN connection settings applied"
	case models.TaskReboot:
		return "Reboot command accepted by device"
	case models.TaskInfo:
		return "Device information refreshed"
	case models.TaskGetParameters:
		return "Parameters retrieved"
	default:
		return "Task completed"
	}
}
