package cwmp

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ont-acs/internal/models"
)

// fakeStore is an in-memory Storage for planner tests.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	devices  map[string]*models.Device
	params   map[int64]map[string]string
	tasks    map[int64]*models.DeviceTask
	logLines []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:  1,
		devices: make(map[string]*models.Device),
		params:  make(map[int64]map[string]string),
		tasks:   make(map[int64]*models.DeviceTask),
	}
}

func (f *fakeStore) GetDeviceBySerial(serial string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dev, ok := f.devices[serial]
	if !ok {
		return nil, nil
	}
	cp := *dev
	return &cp, nil
}

func (f *fakeStore) CreateDevice(device *models.Device) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	device.ID = f.nextID
	f.nextID++
	cp := *device
	f.devices[device.SerialNumber] = &cp
	return device, nil
}

func (f *fakeStore) UpdateDevice(device *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *device
	f.devices[device.SerialNumber] = &cp
	return nil
}

func (f *fakeStore) SetDeviceParameter(deviceID int64, name, value, paramType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.params[deviceID] == nil {
		f.params[deviceID] = make(map[string]string)
	}
	f.params[deviceID][name] = value
	return nil
}

func (f *fakeStore) GetOldestPendingTask(deviceID int64) (*models.DeviceTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *models.DeviceTask
	for _, task := range f.tasks {
		if task.DeviceID != deviceID || task.Status != models.TaskPending {
			continue
		}
		if oldest == nil || task.ID < oldest.ID {
			oldest = task
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func (f *fakeStore) GetTask(id int64) (*models.DeviceTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *task
	return &cp, nil
}

func (f *fakeStore) UpdateTaskStatus(id int64, status models.TaskStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task, ok := f.tasks[id]; ok {
		task.Status = status
		task.Message = message
	}
	return nil
}

func (f *fakeStore) CreateLog(deviceID *int64, level, category, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logLines = append(f.logLines, level+" "+category+" "+message)
	return nil
}

func (f *fakeStore) addTask(deviceID int64, taskType models.TaskType, payload any) *models.DeviceTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, _ := json.Marshal(payload)
	task := &models.DeviceTask{
		ID:       f.nextID,
		DeviceID: deviceID,
		Type:     taskType,
		Status:   models.TaskPending,
		Data:     data,
	}
	f.nextID++
	f.tasks[task.ID] = task
	return task
}

func newTestPlanner(t *testing.T) (*Planner, *fakeStore, *SessionStore) {
	t.Helper()
	store := newFakeStore()
	sessions := NewSessionStore()
	planner := NewPlanner(store, sessions, zerolog.Nop())
	return planner, store, sessions
}

func informBody(id, serial string) string {
	return fmt.Sprintf(`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<soap:Header><cwmp:ID>%s</cwmp:ID></soap:Header>
<soap:Body><cwmp:Inform>
<DeviceId>
<Manufacturer>Huawei</Manufacturer>
<OUI>00E0FC</OUI>
<ProductClass>HG8145V5</ProductClass>
<SerialNumber>%s</SerialNumber>
</DeviceId>
<Event><EventStruct><EventCode>2 PERIODIC</EventCode></EventStruct></Event>
</cwmp:Inform></soap:Body></soap:Envelope>`, id, serial)
}

func paramResponseBody(id string, pairs [][2]string) string {
	var sb strings.Builder
	for _, pair := range pairs {
		fmt.Fprintf(&sb, "<ParameterValueStruct><Name>%s</Name><Value>%s</Value></ParameterValueStruct>", pair[0], pair[1])
	}
	return fmt.Sprintf(`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<soap:Header><cwmp:ID>%s</cwmp:ID></soap:Header>
<soap:Body><cwmp:GetParameterValuesResponse><ParameterList>%s</ParameterList></cwmp:GetParameterValuesResponse></soap:Body></soap:Envelope>`, id, sb.String())
}

func faultBody(id, code string) string {
	return fmt.Sprintf(`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<soap:Header><cwmp:ID>%s</cwmp:ID></soap:Header>
<soap:Body><soap:Fault><faultcode>Client</faultcode><faultstring>CWMP fault</faultstring>
<detail><cwmp:Fault><FaultCode>%s</FaultCode><FaultString>Invalid parameter name</FaultString></cwmp:Fault></detail>
</soap:Fault></soap:Body></soap:Envelope>`, id, code)
}

func setResponseBody(id string) string {
	return fmt.Sprintf(`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<soap:Header><cwmp:ID>%s</cwmp:ID></soap:Header>
<soap:Body><cwmp:SetParameterValuesResponse><Status>0</Status></cwmp:SetParameterValuesResponse></soap:Body></soap:Envelope>`, id)
}

func TestInformCreatesDeviceAndCompoundResponse(t *testing.T) {
	planner, store, sessions := newTestPlanner(t)

	resp := planner.Handle("10.0.0.5", "HuaweiHomeGateway", []byte(informBody("42", "ABC123")))

	// Compound reply with the inbound ID echoed.
	assert.Contains(t, resp, "<MaxEnvelopes>1</MaxEnvelopes>")
	assert.Contains(t, resp, "<cwmp:GetParameterValues>")
	assert.Contains(t, resp, ">42</cwmp:ID>")
	assert.Contains(t, resp, HostCountParam)

	dev, err := store.GetDeviceBySerial("ABC123")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, models.StatusOnline, dev.Status)
	assert.Equal(t, "10.0.0.5", dev.IPAddress)

	sess, ok := sessions.Get("ABC123")
	require.True(t, ok)
	assert.Equal(t, ClassHuawei, sess.Class)
}

func TestInformWithoutSerialAcknowledgedOnly(t *testing.T) {
	planner, store, sessions := newTestPlanner(t)

	resp := planner.Handle("10.0.0.5", "SomeAgent", []byte(informBody("3", "")))

	assert.Contains(t, resp, "<cwmp:InformResponse>")
	assert.NotContains(t, resp, "GetParameterValues")
	assert.Empty(t, store.devices)
	_, ok := sessions.Get("")
	assert.False(t, ok)
}

func TestMikrotikInformShortCircuits(t *testing.T) {
	planner, store, _ := newTestPlanner(t)

	resp := planner.Handle("10.0.0.9", "MikroTik v7.1", []byte(informBody("5", "MT-1")))

	assert.Empty(t, resp)
	assert.Empty(t, store.devices)
}

func TestHostEnumerationSurvivesFaults(t *testing.T) {
	planner, _, _ := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	// Host count discovered: next request targets host 1.
	resp := planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody("1", [][2]string{
		{HostCountParam, "3"},
	})))
	assert.Contains(t, resp, "Hosts.Host.1.Active")
	assert.Contains(t, resp, "Hosts.Host.1.MACAddress")

	// Host 1 faults: enumeration continues with host 2.
	resp = planner.Handle("10.0.0.5", "Huawei", []byte(faultBody("1", "9002")))
	assert.Contains(t, resp, "Hosts.Host.2.Active")

	resp = planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody("1", [][2]string{
		{hostTablePrefix + "2.IPAddress", "192.168.1.12"},
	})))
	assert.Contains(t, resp, "Hosts.Host.3.Active")

	// All hosts attempted; planner falls through to the next tier, never
	// revisiting a host index.
	resp = planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody("1", [][2]string{
		{hostTablePrefix + "3.IPAddress", "192.168.1.13"},
	})))
	assert.NotContains(t, resp, "Hosts.Host.")
}

func TestTierEntriesAttemptedAtMostOnce(t *testing.T) {
	planner, _, _ := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	// Drive the dialog to exhaustion, collecting every requested batch.
	seen := make(map[string]int)
	resp := planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody("1", nil)))
	for i := 0; i < 50 && strings.Contains(resp, "GetParameterValues"); i++ {
		for _, line := range strings.Split(resp, "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "<string>") {
				seen[line]++
			}
		}
		resp = planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody("1", nil)))
	}

	// Terminal acknowledgment once nothing remains.
	assert.Contains(t, resp, "<cwmp:SetParameterValuesResponse>")
	assert.Contains(t, resp, "<Status>0</Status>")

	for name, count := range seen {
		assert.Equal(t, 1, count, "parameter requested more than once: %s", name)
	}
}

func TestBenignFaultAdvancesQuietly(t *testing.T) {
	planner, store, sessions := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	before, _ := sessions.Get("ABC123")
	require.NotNil(t, before)

	resp := planner.Handle("10.0.0.5", "Huawei", []byte(faultBody("1", FaultInvalidParameterName)))

	// Planner advances to the next tier entry and nothing is written to
	// the device log for a 9005.
	assert.Contains(t, resp, "GetParameterValues")
	for _, line := range store.logLines {
		assert.NotContains(t, line, "9005")
	}
}

func TestNonBenignFaultIsLogged(t *testing.T) {
	planner, store, _ := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	planner.Handle("10.0.0.5", "Huawei", []byte(faultBody("1", "9002")))

	found := false
	for _, line := range store.logLines {
		if strings.Contains(line, "9002") {
			found = true
		}
	}
	assert.True(t, found, "expected a log line for fault 9002")
}

func TestSessionIsolation(t *testing.T) {
	planner, _, sessions := newTestPlanner(t)

	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "AAA")))
	planner.Handle("10.0.0.6", "Huawei", []byte(informBody("1", "BBB")))

	planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody("1", [][2]string{
		{HostCountParam, "2"},
	})))

	sessA, _ := sessions.Get("AAA")
	sessB, _ := sessions.Get("BBB")
	require.NotNil(t, sessA)
	require.NotNil(t, sessB)
	assert.Equal(t, 2, sessA.HostCount)
	assert.Equal(t, 0, sessB.HostCount)
	assert.False(t, sessB.Attempted(hostEntryKey(1)))
}

func TestParameterStorageIdempotent(t *testing.T) {
	planner, store, _ := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	pairs := [][2]string{{SoftwareVersionParam, "V5R020C10S280"}}
	planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody("1", pairs)))
	pairs[0][1] = "V5R020C10S300"
	planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody("1", pairs)))

	dev, _ := store.GetDeviceBySerial("ABC123")
	stored := store.params[dev.ID]
	assert.Equal(t, "V5R020C10S300", stored[SoftwareVersionParam])
	assert.Equal(t, "V5R020C10S300", dev.SoftwareVersion)
}

func TestCorrelationIDEchoedAcrossDialog(t *testing.T) {
	planner, _, _ := newTestPlanner(t)

	resp := planner.Handle("10.0.0.5", "Huawei", []byte(informBody("inform-77", "ABC123")))
	assert.Contains(t, resp, ">inform-77</cwmp:ID>")

	resp = planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody("gpv-78", nil)))
	assert.Contains(t, resp, ">gpv-78</cwmp:ID>")
}

func TestUntrackedTaskResponseEchoesInboundID(t *testing.T) {
	planner, _, _ := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	// A ParameterResponse correlated to a task the session no longer
	// tracks falls through to discovery, still echoing the inbound ID.
	resp := planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody("task-99", nil)))

	assert.Contains(t, resp, "<cwmp:GetParameterValues>")
	assert.Contains(t, resp, ">task-99</cwmp:ID>")
}

func TestMalformedInformStillAnswered(t *testing.T) {
	planner, store, _ := newTestPlanner(t)

	// Truncated mid-envelope: no serial is recoverable, but the verb and
	// correlation ID are, so the device gets a well-formed acknowledgement
	// instead of silence.
	body := `<soap:Envelope><soap:Header><cwmp:ID>77</cwmp:ID></soap:Header><soap:Body><cwmp:Inform><DeviceId>`
	resp := planner.Handle("10.0.0.5", "HW_ATP_TR069", []byte(body))

	assert.Contains(t, resp, "<cwmp:InformResponse>")
	assert.Contains(t, resp, ">77</cwmp:ID>")
	assert.NotContains(t, resp, "GetParameterValues")
	assert.Empty(t, store.devices)
}

func TestEmptyPostStartsPendingTask(t *testing.T) {
	planner, store, _ := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	dev, _ := store.GetDeviceBySerial("ABC123")
	task := store.addTask(dev.ID, models.TaskWiFi, models.WiFiTaskData{SSID: "Home", Password: "longenough"})

	resp := planner.Handle("10.0.0.5", "Huawei", []byte{})

	assert.Contains(t, resp, "<cwmp:SetParameterValues>")
	assert.Contains(t, resp, "Home")
	assert.Contains(t, resp, fmt.Sprintf(">task-%d</cwmp:ID>", task.ID))

	stored, _ := store.GetTask(task.ID)
	assert.Equal(t, models.TaskInProgress, stored.Status)

	// Device confirms: task completes and the dialog ends.
	resp = planner.Handle("10.0.0.5", "Huawei", []byte(setResponseBody(fmt.Sprintf("task-%d", task.ID))))
	assert.Empty(t, resp)
	stored, _ = store.GetTask(task.ID)
	assert.Equal(t, models.TaskCompleted, stored.Status)

	dev, _ = store.GetDeviceBySerial("ABC123")
	assert.Equal(t, "Home", dev.SSID)
}

func TestEmptyPostQuiescentWithoutTasks(t *testing.T) {
	planner, _, _ := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	resp := planner.Handle("10.0.0.5", "Huawei", []byte(""))
	assert.Empty(t, resp)
}

func TestCancelledTaskNeverReachesDevice(t *testing.T) {
	planner, store, _ := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	dev, _ := store.GetDeviceBySerial("ABC123")
	task := store.addTask(dev.ID, models.TaskReboot, models.RebootTaskData{})
	store.tasks[task.ID].CancelRequested = true

	resp := planner.Handle("10.0.0.5", "Huawei", []byte(""))

	assert.Empty(t, resp)
	stored, _ := store.GetTask(task.ID)
	assert.Equal(t, models.TaskFailed, stored.Status)
	assert.Contains(t, stored.Message, "cancelled")
}

func TestInvalidWiFiTaskFailsWithoutRPC(t *testing.T) {
	planner, store, _ := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	dev, _ := store.GetDeviceBySerial("ABC123")
	task := store.addTask(dev.ID, models.TaskWiFi, models.WiFiTaskData{SSID: "Home", Password: "short"})

	resp := planner.Handle("10.0.0.5", "Huawei", []byte(""))

	assert.Empty(t, resp)
	stored, _ := store.GetTask(task.ID)
	assert.Equal(t, models.TaskFailed, stored.Status)
	assert.Contains(t, stored.Message, "8-63")
}

func TestInfoTaskWalksBatches(t *testing.T) {
	planner, store, _ := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	dev, _ := store.GetDeviceBySerial("ABC123")
	task := store.addTask(dev.ID, models.TaskInfo, nil)

	taskID := fmt.Sprintf("task-%d", task.ID)
	resp := planner.Handle("10.0.0.5", "Huawei", []byte(""))
	require.Contains(t, resp, "GetParameterValues")
	require.Contains(t, resp, SoftwareVersionParam)

	// First batch answers with a host count; follow-up batches cover WAN,
	// optical power, then each host.
	resp = planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody(taskID, [][2]string{
		{HostCountParam, "1"},
	})))
	sawHost := false
	steps := 0
	for strings.Contains(resp, "GetParameterValues") && steps < 20 {
		if strings.Contains(resp, "Hosts.Host.1.") {
			sawHost = true
		}
		resp = planner.Handle("10.0.0.5", "Huawei", []byte(paramResponseBody(taskID, nil)))
		steps++
	}
	assert.True(t, sawHost, "info task never requested host details")

	stored, _ := store.GetTask(task.ID)
	assert.Equal(t, models.TaskCompleted, stored.Status)
}

func TestRebootTaskEndsDialog(t *testing.T) {
	planner, store, sessions := newTestPlanner(t)
	planner.Handle("10.0.0.5", "Huawei", []byte(informBody("1", "ABC123")))

	dev, _ := store.GetDeviceBySerial("ABC123")
	task := store.addTask(dev.ID, models.TaskReboot, models.RebootTaskData{})

	resp := planner.Handle("10.0.0.5", "Huawei", []byte(""))
	assert.Contains(t, resp, "<cwmp:Reboot>")
	assert.Contains(t, resp, "<CommandKey>reboot-")

	rebootResp := fmt.Sprintf(`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/" xmlns:cwmp="urn:dslforum-org:cwmp-1-0">
<soap:Header><cwmp:ID>task-%d</cwmp:ID></soap:Header>
<soap:Body><cwmp:RebootResponse></cwmp:RebootResponse></soap:Body></soap:Envelope>`, task.ID)
	resp = planner.Handle("10.0.0.5", "Huawei", []byte(rebootResp))

	assert.Empty(t, resp)
	stored, _ := store.GetTask(task.ID)
	assert.Equal(t, models.TaskCompleted, stored.Status)
	_, ok := sessions.Get("ABC123")
	assert.False(t, ok)
}
