package cwmp

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"ont-acs/internal/models"
)

// Storage is the persistence contract the planner consumes. *database.DB
// satisfies it; tests provide fakes.
type Storage interface {
	GetDeviceBySerial(serialNumber string) (*models.Device, error)
	CreateDevice(device *models.Device) (*models.Device, error)
	UpdateDevice(device *models.Device) error
	SetDeviceParameter(deviceID int64, name, value, paramType string) error
	GetOldestPendingTask(deviceID int64) (*models.DeviceTask, error)
	GetTask(id int64) (*models.DeviceTask, error)
	UpdateTaskStatus(id int64, status models.TaskStatus, message string) error
	CreateLog(deviceID *int64, level, category, message string) error
}

// Notifier receives device and task state changes for fan-out (dashboard
// websocket, push notifications). All methods must be non-blocking.
type Notifier interface {
	DeviceSeen(device *models.Device)
	TaskUpdated(taskID int64, status models.TaskStatus, message string)
}

// Planner drives the CWMP dialog: given the parsed inbound message and the
// device's session, it decides the next outbound RPC.
type Planner struct {
	store    Storage
	sessions *SessionStore
	logger   zerolog.Logger
	faults   *faultThrottle
	notifier Notifier
}

func NewPlanner(store Storage, sessions *SessionStore, logger zerolog.Logger) *Planner {
	return &Planner{
		store:    store,
		sessions: sessions,
		logger:   logger,
		faults:   newFaultThrottle(),
	}
}

// SetNotifier wires an optional state-change listener.
func (p *Planner) SetNotifier(n Notifier) { p.notifier = n }

func (p *Planner) notifyDevice(dev *models.Device) {
	if p.notifier != nil && dev != nil {
		p.notifier.DeviceSeen(dev)
	}
}

func (p *Planner) notifyTask(id int64, status models.TaskStatus, message string) {
	if p.notifier != nil {
		p.notifier.TaskUpdated(id, status, message)
	}
}

// Handle advances one dialog step. remoteAddr is the client IP without
// port; the returned string is the response body, empty meaning
// end-of-dialog.
func (p *Planner) Handle(remoteAddr, userAgent string, body []byte) string {
	msg := ParseMessage(body)

	if msg.Kind == KindInform {
		return p.handleInform(remoteAddr, userAgent, msg)
	}
	if msg.Kind == KindEmpty {
		return p.handleEmptyPost(remoteAddr)
	}

	sess, ok := p.sessions.GetByAddr(remoteAddr)
	if !ok {
		// Mid-dialog message with no session, likely a retransmission
		// after a restart. Nothing to correlate against.
		p.logger.Debug().Str("addr", remoteAddr).Str("kind", msg.Kind.String()).Msg("message without session")
		return ""
	}

	sess.Lock()
	defer sess.Unlock()
	sess.LastSeen = time.Now()

	switch msg.Kind {
	case KindParameterResponse:
		return p.handleParameterResponse(sess, msg)
	case KindFault:
		return p.handleFault(sess, msg)
	case KindSetResponse, KindRebootResponse:
		return p.handleRPCDone(sess, msg)
	default:
		// Unknown verbs terminate the dialog.
		p.sessions.Destroy(sess.Serial)
		return ""
	}
}

func (p *Planner) handleInform(remoteAddr, userAgent string, msg Message) string {
	inform := msg.Inform
	class := DetectClass(userAgent, inform.Manufacturer, inform.ProductClass)

	// MikroTik routers are managed over the RouterOS API; answering with
	// an empty body makes them drop the dialog immediately.
	if class == ClassMikroTik {
		p.logger.Debug().Str("addr", remoteAddr).Msg("mikrotik inform short-circuited")
		return ""
	}

	if inform.SerialNumber == "" {
		// Without a serial the dialog cannot be correlated; acknowledge
		// and stop.
		p.logger.Warn().Str("addr", remoteAddr).Msg("inform without serial number")
		return BuildInformResponse(msg.ID)
	}

	dev := p.upsertDevice(remoteAddr, inform)
	if dev == nil {
		return BuildInformResponse(msg.ID)
	}

	sess := p.sessions.Start(inform.SerialNumber, class)
	sess.Lock()
	defer sess.Unlock()
	sess.DeviceID = dev.ID
	p.sessions.BindAddr(remoteAddr, inform.SerialNumber)

	p.applyParameters(sess, dev, msg.Params)

	if task, err := p.store.GetOldestPendingTask(dev.ID); err != nil {
		p.logger.Error().Err(err).Str("serial", sess.Serial).Msg("pending task lookup failed")
	} else if task != nil {
		sess.CurrentTask = task
	}

	p.logger.Info().
		Str("serial", sess.Serial).
		Str("class", class.String()).
		Strs("events", inform.Events).
		Msg("inform received")

	// The always-requested core set rides in the same envelope as the
	// InformResponse, saving a round trip per discovery window.
	for _, key := range alwaysRequestedKeys() {
		sess.MarkAttempted(key)
	}
	params := AlwaysRequested()
	sess.LastBatch = params
	sess.State = StateAwaitingParameterResponse
	return BuildInformResponseWithGet(msg.ID, params)
}

// upsertDevice creates or refreshes the device record for an Inform.
func (p *Planner) upsertDevice(remoteAddr string, inform *InformData) *models.Device {
	now := time.Now()
	dev, err := p.store.GetDeviceBySerial(inform.SerialNumber)
	if err != nil {
		p.logger.Error().Err(err).Str("serial", inform.SerialNumber).Msg("device lookup failed")
		return nil
	}
	if dev == nil {
		dev = &models.Device{
			SerialNumber: inform.SerialNumber,
			OUI:          inform.OUI,
			ProductClass: inform.ProductClass,
			Manufacturer: inform.Manufacturer,
			IPAddress:    remoteAddr,
			Status:       models.StatusOnline,
			LastInform:   &now,
			LastContact:  &now,
		}
		created, err := p.store.CreateDevice(dev)
		if err != nil {
			p.logger.Error().Err(err).Str("serial", inform.SerialNumber).Msg("device create failed")
			return nil
		}
		p.store.CreateLog(&created.ID, "info", "cwmp", "device registered: "+inform.SerialNumber)
		p.notifyDevice(created)
		return created
	}

	dev.Manufacturer = inform.Manufacturer
	dev.ProductClass = inform.ProductClass
	dev.OUI = inform.OUI
	dev.IPAddress = remoteAddr
	dev.Status = models.StatusOnline
	dev.LastInform = &now
	dev.LastContact = &now
	if err := p.store.UpdateDevice(dev); err != nil {
		p.logger.Error().Err(err).Str("serial", inform.SerialNumber).Msg("device update failed")
	}
	p.notifyDevice(dev)
	return dev
}

func (p *Planner) handleParameterResponse(sess *Session, msg Message) string {
	dev, err := p.store.GetDeviceBySerial(sess.Serial)
	if err != nil || dev == nil {
		p.logger.Error().Err(err).Str("serial", sess.Serial).Msg("device vanished mid-dialog")
		p.sessions.Destroy(sess.Serial)
		return ""
	}

	p.applyParameters(sess, dev, msg.Params)

	if taskID, ok := taskIDFromEnvelope(msg.ID); ok {
		return p.continueTask(sess, taskID, msg.ID)
	}
	return p.nextRPC(sess, msg.ID)
}

// applyParameters upserts every retrieved pair, marks them successful, and
// folds well-known names back into the device record.
func (p *Planner) applyParameters(sess *Session, dev *models.Device, params []ParameterValue) {
	if len(params) == 0 {
		return
	}
	changed := false
	for _, pv := range params {
		if err := p.store.SetDeviceParameter(dev.ID, pv.Name, pv.Value, pv.Type); err != nil {
			p.logger.Error().Err(err).Str("param", pv.Name).Msg("parameter upsert failed")
			continue
		}
		sess.MarkSuccessful(pv.Name)

		if strings.HasSuffix(pv.Name, "HostNumberOfEntries") {
			if n, err := strconv.Atoi(pv.Value); err == nil {
				sess.HostCount = n
				sess.HostIndex = 1
			}
		}
		if applyDeviceField(dev, pv) {
			changed = true
		}
	}
	if changed {
		if err := p.store.UpdateDevice(dev); err != nil {
			p.logger.Error().Err(err).Str("serial", dev.SerialNumber).Msg("device refresh failed")
		}
		p.notifyDevice(dev)
	}
}

// applyDeviceField maps a retrieved parameter onto the device record field
// it mirrors. Returns true when a field changed.
func applyDeviceField(dev *models.Device, pv ParameterValue) bool {
	switch {
	case pv.Name == SoftwareVersionParam:
		return setString(&dev.SoftwareVersion, pv.Value)
	case pv.Name == HardwareVersionParam:
		return setString(&dev.HardwareVersion, pv.Value)
	case pv.Name == ModelNameParam:
		return setString(&dev.ModelName, pv.Value)
	case pv.Name == ConnectionRequestURL:
		return setString(&dev.ConnectionRequest, pv.Value)
	case pv.Name == UpTimeParam:
		if n, err := strconv.ParseInt(pv.Value, 10, 64); err == nil && dev.Uptime != n {
			dev.Uptime = n
			return true
		}
	case strings.HasSuffix(pv.Name, ".SSID") || strings.HasSuffix(pv.Name, ".X_HW_SSID"):
		return setString(&dev.SSID, pv.Value)
	case strings.HasSuffix(pv.Name, ".TotalAssociations"):
		if n, err := strconv.Atoi(pv.Value); err == nil && dev.ClientCount != n {
			dev.ClientCount = n
			return true
		}
	case strings.Contains(pv.Name, "RXPower") || strings.Contains(pv.Name, "RxOpticalPower"):
		if f, err := strconv.ParseFloat(pv.Value, 64); err == nil && dev.RXPower != f {
			dev.RXPower = f
			return true
		}
	case strings.HasSuffix(pv.Name, ".ExternalIPAddress"):
		// WAN address as the CPE sees it; more useful than the NATted
		// source address when the ACS sits behind a proxy.
		return setString(&dev.IPAddress, pv.Value)
	}
	return false
}

func setString(dst *string, v string) bool {
	if v == "" || *dst == v {
		return false
	}
	*dst = v
	return true
}

// continueTask advances an in-flight task after one of its RPCs succeeded.
// inboundID is the envelope ID the device sent, echoed back if the dialog
// falls through to discovery.
func (p *Planner) continueTask(sess *Session, taskID int64, inboundID string) string {
	task := sess.CurrentTask
	if task == nil || task.ID != taskID {
		// Response for a task this session no longer tracks; resume
		// discovery.
		return p.nextRPC(sess, inboundID)
	}

	// Info tasks discover the host count in their first batch; append the
	// per-host batches once, as soon as it is known.
	if task.Type == models.TaskInfo && sess.HostCount > 0 && !sess.Attempted("task.hosts") {
		sess.MarkAttempted("task.hosts")
		sess.TaskBatches = append(sess.TaskBatches, infoHostBatches(sess.HostCount)...)
	}

	if len(sess.TaskBatches) > 0 {
		batch := sess.TaskBatches[0]
		sess.TaskBatches = sess.TaskBatches[1:]
		sess.LastBatch = batch
		return BuildGetParameterValues(taskEnvelopeID(task), batch)
	}

	p.finishTask(sess, models.TaskCompleted, TaskResultMessage(task.Type))
	return p.afterTask(sess)
}

// handleRPCDone covers SetParameterValuesResponse and RebootResponse; both
// mean the device accepted a task RPC.
func (p *Planner) handleRPCDone(sess *Session, msg Message) string {
	taskID, ok := taskIDFromEnvelope(msg.ID)
	if !ok {
		// Ack outside a task flow; nothing further to send.
		p.sessions.Destroy(sess.Serial)
		return ""
	}
	task := sess.CurrentTask
	if task == nil || task.ID != taskID {
		return ""
	}

	if task.Type == models.TaskWiFi {
		p.applyWiFiResult(sess, task)
	}
	p.finishTask(sess, models.TaskCompleted, TaskResultMessage(task.Type))

	if task.Type == models.TaskReboot {
		// The device is going down; the dialog ends here.
		p.sessions.Destroy(sess.Serial)
		return ""
	}
	return p.afterTask(sess)
}

// applyWiFiResult mirrors an applied SSID back onto the device record.
func (p *Planner) applyWiFiResult(sess *Session, task *models.DeviceTask) {
	var data models.WiFiTaskData
	if err := unmarshalTaskData(task, &data); err != nil || data.SSID == "" {
		return
	}
	dev, err := p.store.GetDeviceBySerial(sess.Serial)
	if err != nil || dev == nil {
		return
	}
	if setString(&dev.SSID, data.SSID) {
		if err := p.store.UpdateDevice(dev); err == nil {
			p.notifyDevice(dev)
		}
	}
}

func (p *Planner) finishTask(sess *Session, status models.TaskStatus, message string) {
	task := sess.CurrentTask
	if task == nil {
		return
	}
	if err := p.store.UpdateTaskStatus(task.ID, status, message); err != nil {
		p.logger.Error().Err(err).Int64("task", task.ID).Msg("task status update failed")
	}
	level := "info"
	if status == models.TaskFailed {
		level = "error"
	}
	p.store.CreateLog(&task.DeviceID, level, "task", string(task.Type)+": "+message)
	p.notifyTask(task.ID, status, message)
	p.logger.Info().
		Int64("task", task.ID).
		Str("type", string(task.Type)).
		Str("status", string(status)).
		Str("result", message).
		Msg("task finished")
	sess.CurrentTask = nil
	sess.TaskBatches = nil
}

// afterTask polls for the next pending task and either starts it or ends
// the dialog.
func (p *Planner) afterTask(sess *Session) string {
	if rpc, ok := p.startNextPendingTask(sess); ok {
		return rpc
	}
	p.sessions.Destroy(sess.Serial)
	return ""
}

func (p *Planner) handleFault(sess *Session, msg Message) string {
	p.faults.log(p.logger, sess.Class, sess.Serial, msg.Fault)

	// Attribute the fault to the names of the request that triggered it.
	for _, name := range sess.LastBatch {
		sess.RecordFault(name)
	}
	sess.LastBatch = nil

	if msg.Fault != nil && msg.Fault.Code != FaultInvalidParameterName {
		devID := sess.DeviceID
		p.store.CreateLog(&devID, "warn", "cwmp",
			"fault "+msg.Fault.Code+" from "+sess.Serial+": "+msg.Fault.Message)
	}

	if taskID, ok := taskIDFromEnvelope(msg.ID); ok {
		if task := sess.CurrentTask; task != nil && task.ID == taskID {
			detail := "device rejected the request"
			if msg.Fault != nil {
				detail = "fault " + msg.Fault.Code + ": " + msg.Fault.Message
			}
			p.finishTask(sess, models.TaskFailed, detail)
			return p.afterTask(sess)
		}
		return ""
	}

	// A faulted host entry must not stop enumeration of the remaining
	// hosts; nextRPC picks up at the already-advanced host index.
	return p.nextRPC(sess, msg.ID)
}

// nextRPC is the tier-selection cascade. Selectors run in fixed priority
// order; the first one that yields an unattempted batch wins. No selector
// producing anything terminates the dialog.
func (p *Planner) nextRPC(sess *Session, id string) string {
	selectors := []func(*Session) (TierEntry, bool){
		p.selectHostEnumeration,
		p.selectTierScan(CoreTier(sess.Class)),
		p.selectTierScan(ExtendedTier(sess.Class)),
		p.selectRemainingHosts,
		p.selectTierScan(OptionalTier(sess.Class)),
	}
	for _, sel := range selectors {
		if entry, ok := sel(sess); ok {
			sess.LastBatch = entry.Params
			sess.State = StateAwaitingParameterResponse
			return BuildGetParameterValues(id, entry.Params)
		}
	}

	// Nothing left to request; acknowledge and close the dialog. Any
	// operator task queued meanwhile is picked up on the empty poll that
	// follows or on the next inform.
	sess.State = StateTerminated
	p.sessions.Destroy(sess.Serial)
	p.logger.Debug().Str("serial", sess.Serial).Msg("discovery complete")
	return BuildSetParameterValuesResponse(id)
}

// selectHostEnumeration walks the host table in index order while the
// cursor is inside the known count.
func (p *Planner) selectHostEnumeration(sess *Session) (TierEntry, bool) {
	for sess.HostCount > 0 && sess.HostIndex <= sess.HostCount {
		entry := HostEntry(sess.HostIndex)
		sess.HostIndex++
		if sess.MarkAttempted(entry.Key) {
			return entry, true
		}
	}
	return TierEntry{}, false
}

// selectRemainingHosts retries nothing; it only covers host entries never
// reached because the count arrived after enumeration had moved on.
func (p *Planner) selectRemainingHosts(sess *Session) (TierEntry, bool) {
	for _, entry := range HostTier(sess.HostCount).Entries {
		if sess.MarkAttempted(entry.Key) {
			return entry, true
		}
	}
	return TierEntry{}, false
}

func (p *Planner) selectTierScan(tier Tier) func(*Session) (TierEntry, bool) {
	return func(sess *Session) (TierEntry, bool) {
		for _, entry := range tier.Entries {
			if sess.MarkAttempted(entry.Key) {
				return entry, true
			}
		}
		return TierEntry{}, false
	}
}

// handleEmptyPost services the idle poll a CPE sends when it has nothing to
// say. This is where queued operator tasks enter the dialog.
func (p *Planner) handleEmptyPost(remoteAddr string) string {
	sess, ok := p.sessions.GetByAddr(remoteAddr)
	if !ok {
		// A terminated dialog polling again on the same connection: the
		// serial is still known via the address index, so new pending
		// tasks can be served without waiting for the next inform.
		serial, known := p.sessions.SerialForAddr(remoteAddr)
		if !known {
			return ""
		}
		dev, err := p.store.GetDeviceBySerial(serial)
		if err != nil || dev == nil {
			return ""
		}
		task, err := p.store.GetOldestPendingTask(dev.ID)
		if err != nil || task == nil {
			return ""
		}
		class := DetectClass("", dev.Manufacturer, dev.ProductClass)
		sess = p.sessions.Start(serial, class)
		sess.DeviceID = dev.ID
	}

	sess.Lock()
	defer sess.Unlock()
	sess.LastSeen = time.Now()

	if sess.CurrentTask == nil {
		if task, err := p.store.GetOldestPendingTask(sess.DeviceID); err == nil && task != nil {
			sess.CurrentTask = task
		}
	}
	if rpc, ok := p.startBoundTask(sess); ok {
		return rpc
	}
	// Quiescent: no RPC until the next inform.
	return ""
}

// startBoundTask emits the RPC for the session's bound task, skipping tasks
// cancelled since they were bound.
func (p *Planner) startBoundTask(sess *Session) (string, bool) {
	for sess.CurrentTask != nil {
		// Re-read the task: an operator may have cancelled it between
		// binding and this poll. A stale RPC must never reach the device.
		task, err := p.store.GetTask(sess.CurrentTask.ID)
		if err != nil || task == nil {
			sess.CurrentTask = nil
			break
		}
		if task.CancelRequested || task.Status != models.TaskPending {
			if task.CancelRequested && task.Status == models.TaskPending {
				p.store.UpdateTaskStatus(task.ID, models.TaskFailed, "cancelled by operator")
				p.notifyTask(task.ID, models.TaskFailed, "cancelled by operator")
			}
			sess.CurrentTask = nil
			if next, err := p.store.GetOldestPendingTask(sess.DeviceID); err == nil && next != nil {
				sess.CurrentTask = next
				continue
			}
			break
		}

		rpc, err := PlanTaskRPC(sess, task)
		if err != nil {
			sess.CurrentTask = task
			p.finishTask(sess, models.TaskFailed, err.Error())
			if next, errNext := p.store.GetOldestPendingTask(sess.DeviceID); errNext == nil && next != nil {
				sess.CurrentTask = next
				continue
			}
			break
		}

		if err := p.store.UpdateTaskStatus(task.ID, models.TaskInProgress, ""); err != nil {
			p.logger.Error().Err(err).Int64("task", task.ID).Msg("task status update failed")
		}
		p.notifyTask(task.ID, models.TaskInProgress, "")
		sess.CurrentTask = task
		sess.State = StateAwaitingSetResponse
		p.logger.Info().
			Int64("task", task.ID).
			Str("type", string(task.Type)).
			Str("serial", sess.Serial).
			Msg("task rpc sent")
		return rpc, true
	}
	return "", false
}

// startNextPendingTask polls storage and, when a pending task exists, binds
// and starts it.
func (p *Planner) startNextPendingTask(sess *Session) (string, bool) {
	if sess.CurrentTask == nil {
		task, err := p.store.GetOldestPendingTask(sess.DeviceID)
		if err != nil || task == nil {
			return "", false
		}
		sess.CurrentTask = task
	}
	return p.startBoundTask(sess)
}

func unmarshalTaskData(task *models.DeviceTask, dst any) error {
	if len(task.Data) == 0 {
		return nil
	}
	return json.Unmarshal(task.Data, dst)
}
