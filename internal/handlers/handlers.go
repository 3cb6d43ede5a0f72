package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"ont-acs/internal/config"
	"ont-acs/internal/cwmp"
	"ont-acs/internal/database"
	"ont-acs/internal/middleware"
	"ont-acs/internal/mikrotik"
	"ont-acs/internal/models"
	"ont-acs/internal/notification/fcm"
	"ont-acs/internal/websocket"
)

const tokenTTL = 24 * time.Hour

// Handler holds dependencies for HTTP handlers
type Handler struct {
	DB       *database.DB
	WSHub    *websocket.Hub
	Mikrotik *mikrotik.Client
	FCM      *fcm.Client
	Config   *config.Config
	Logger   zerolog.Logger
}

// NewHandler creates a new Handler
func NewHandler(db *database.DB, wsHub *websocket.Hub, mt *mikrotik.Client, fcmClient *fcm.Client, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		DB:       db,
		WSHub:    wsHub,
		Mikrotik: mt,
		FCM:      fcmClient,
		Config:   cfg,
		Logger:   logger,
	}
}

// ============== Auth Handlers ==============

// Login handles user authentication
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	user, err := h.DB.GetUserByUsername(req.Username)
	if err != nil || user == nil {
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	h.DB.TouchUserLogin(user.ID)

	token, err := middleware.GenerateToken(h.Config.JWTSecret, user.ID, user.Username, user.Role, tokenTTL)
	if err != nil {
		h.Logger.Error().Err(err).Msg("token generation failed")
		respondError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"token":   token,
		"user": map[string]string{
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

// Logout handles user logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ============== Dashboard Handlers ==============

// GetDashboardStats returns dashboard statistics
func (h *Handler) GetDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.DB.GetDashboardStats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	stats.ActiveSessions = int64(h.WSHub.ClientCount())
	respondJSON(w, http.StatusOK, stats)
}

// ============== Device Handlers ==============

// GetDevices returns all devices
func (h *Handler) GetDevices(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	search := r.URL.Query().Get("search")
	limit := getQueryInt(r, "limit", 50)
	offset := getQueryInt(r, "offset", 0)

	devices, total, err := h.DB.GetDevices(status, search, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get devices")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// GetDevice returns a single device
func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, device)
}

// UpdateDevice updates operator-editable device fields
func (h *Handler) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}

	var req struct {
		ConnReqUsername *string `json:"connReqUsername"`
		ConnReqPassword *string `json:"connReqPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if req.ConnReqUsername != nil {
		device.ConnReqUsername = *req.ConnReqUsername
	}
	if req.ConnReqPassword != nil {
		device.ConnReqPassword = *req.ConnReqPassword
	}
	if err := h.DB.UpdateDevice(device); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update device")
		return
	}
	respondJSON(w, http.StatusOK, device)
}

// DeleteDevice removes a device and its parameters/tasks
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.DB.DeleteDevice(device.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete device")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ProbeDevice checks device reachability via its connection-request URL
func (h *Handler) ProbeDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}

	username := device.ConnReqUsername
	password := device.ConnReqPassword
	if username == "" {
		username = h.Config.ConnReqUser
		password = h.Config.ConnReqPass
	}
	err := cwmp.SendConnectionRequest(device.ConnectionRequest, username, password, h.Config.ConnReqTimeout)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"reachable": false,
			"error":     err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"reachable": true})
}

// GetDeviceParameters returns stored parameters, optionally filtered by
// path prefix
func (h *Handler) GetDeviceParameters(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}
	params, err := h.DB.GetDeviceParameters(device.ID, r.URL.Query().Get("prefix"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get parameters")
		return
	}
	respondJSON(w, http.StatusOK, params)
}

// GetDeviceClients returns the LAN hosts last discovered for a device
func (h *Handler) GetDeviceClients(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}
	params, err := h.DB.GetDeviceParameters(device.ID, "InternetGatewayDevice.LANDevice.1.Hosts.Host.")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get clients")
		return
	}

	// Fold Host.N.* rows into one record per index.
	hosts := make(map[string]map[string]string)
	for _, p := range params {
		rest := p.Name[len("InternetGatewayDevice.LANDevice.1.Hosts.Host."):]
		var index, field string
		for i := 0; i < len(rest); i++ {
			if rest[i] == '.' {
				index, field = rest[:i], rest[i+1:]
				break
			}
		}
		if index == "" {
			continue
		}
		if hosts[index] == nil {
			hosts[index] = map[string]string{"index": index}
		}
		switch field {
		case "Active":
			hosts[index]["active"] = p.Value
		case "IPAddress":
			hosts[index]["ipAddress"] = p.Value
		case "HostName":
			hosts[index]["hostName"] = p.Value
		case "MACAddress":
			hosts[index]["macAddress"] = p.Value
		}
	}
	list := make([]map[string]string, 0, len(hosts))
	for _, host := range hosts {
		list = append(list, host)
	}
	respondJSON(w, http.StatusOK, list)
}

// ============== Task Handlers ==============

// RebootDevice queues a reboot task
func (h *Handler) RebootDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}
	var data models.RebootTaskData
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request")
			return
		}
	}
	h.enqueueTask(w, device, models.TaskReboot, data)
}

// UpdateWiFi queues a wifi settings task
func (h *Handler) UpdateWiFi(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}
	var data models.WiFiTaskData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	// Reject bad payloads at the API edge; the same check runs again in
	// the task bridge before any RPC is built.
	if err := cwmp.ValidateWiFiTask(&data); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.enqueueTask(w, device, models.TaskWiFi, data)
}

// UpdateWAN queues a PPPoE credential task
func (h *Handler) UpdateWAN(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}
	var data models.WANTaskData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if data.Username == "" {
		respondError(w, http.StatusBadRequest, "username is required")
		return
	}
	h.enqueueTask(w, device, models.TaskPPPoE, data)
}

// RefreshDevice queues an info task to re-walk the device state
func (h *Handler) RefreshDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}
	h.enqueueTask(w, device, models.TaskInfo, nil)
}

// QueryDeviceParameters queues a get_parameters task for arbitrary paths
func (h *Handler) QueryDeviceParameters(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}
	var data models.GetParametersTaskData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if len(data.Names) == 0 {
		respondError(w, http.StatusBadRequest, "at least one parameter name is required")
		return
	}
	h.enqueueTask(w, device, models.TaskGetParameters, data)
}

// enqueueTask persists a task and nudges the device over its
// connection-request URL so it picks the task up promptly.
func (h *Handler) enqueueTask(w http.ResponseWriter, device *models.Device, taskType models.TaskType, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to encode task")
			return
		}
		data = encoded
	}

	task, err := h.DB.CreateTask(&models.DeviceTask{
		DeviceID: device.ID,
		Type:     taskType,
		Status:   models.TaskPending,
		Data:     data,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create task")
		return
	}

	h.DB.CreateLog(&device.ID, "info", "task", string(taskType)+" task queued for "+device.SerialNumber)
	h.WSHub.Broadcast(websocket.Message{Type: "task_created", DeviceID: device.ID, Data: task})

	if device.ConnectionRequest != "" {
		go func() {
			username := device.ConnReqUsername
			password := device.ConnReqPassword
			if username == "" {
				username = h.Config.ConnReqUser
				password = h.Config.ConnReqPass
			}
			if err := cwmp.SendConnectionRequest(device.ConnectionRequest, username, password, h.Config.ConnReqTimeout); err != nil {
				h.Logger.Debug().Err(err).Str("serial", device.SerialNumber).Msg("connection request failed")
			}
		}()
	}

	respondJSON(w, http.StatusCreated, task)
}

// GetDeviceTasks returns task history for a device
func (h *Handler) GetDeviceTasks(w http.ResponseWriter, r *http.Request) {
	device, ok := h.deviceFromRequest(w, r)
	if !ok {
		return
	}
	tasks, err := h.DB.GetDeviceTasks(device.ID, getQueryInt(r, "limit", 50))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get tasks")
		return
	}
	respondJSON(w, http.StatusOK, tasks)
}

// GetTask returns a single task
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.taskFromRequest(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// CancelTask flags a pending task so it is skipped before its RPC is sent
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.taskFromRequest(w, r)
	if !ok {
		return
	}
	if task.Status != models.TaskPending {
		respondError(w, http.StatusConflict, "Only pending tasks can be cancelled")
		return
	}
	if err := h.DB.RequestTaskCancel(task.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to cancel task")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RetryTask re-queues a failed task as a new pending task
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.taskFromRequest(w, r)
	if !ok {
		return
	}
	if task.Status != models.TaskFailed {
		respondError(w, http.StatusConflict, "Only failed tasks can be retried")
		return
	}
	fresh, err := h.DB.CreateTask(&models.DeviceTask{
		DeviceID: task.DeviceID,
		Type:     task.Type,
		Status:   models.TaskPending,
		Data:     task.Data,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to retry task")
		return
	}
	respondJSON(w, http.StatusCreated, fresh)
}

// DeleteTask removes a task record
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := h.taskFromRequest(w, r)
	if !ok {
		return
	}
	if err := h.DB.DeleteTask(task.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete task")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ============== Log Handlers ==============

// GetLogs returns system logs
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	var deviceID *int64
	if raw := r.URL.Query().Get("deviceId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid device id")
			return
		}
		deviceID = &id
	}
	logs, err := h.DB.GetLogs(deviceID, r.URL.Query().Get("level"), getQueryInt(r, "limit", 100), getQueryInt(r, "offset", 0))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get logs")
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

// ============== MikroTik Handlers ==============

// GetRouterStatus returns BRAS health from the RouterOS API
func (h *Handler) GetRouterStatus(w http.ResponseWriter, r *http.Request) {
	if !h.Mikrotik.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "MikroTik integration not configured")
		return
	}
	resource, err := h.Mikrotik.GetSystemResource()
	if err != nil {
		respondError(w, http.StatusBadGateway, "Router unreachable: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resource)
}

// GetPPPSessions returns active PPPoE sessions from the BRAS
func (h *Handler) GetPPPSessions(w http.ResponseWriter, r *http.Request) {
	if !h.Mikrotik.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "MikroTik integration not configured")
		return
	}
	sessions, err := h.Mikrotik.GetActivePPPSessions()
	if err != nil {
		respondError(w, http.StatusBadGateway, "Router unreachable: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

// DisconnectPPPSession drops a PPPoE session so the CPE re-dials
func (h *Handler) DisconnectPPPSession(w http.ResponseWriter, r *http.Request) {
	if !h.Mikrotik.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "MikroTik integration not configured")
		return
	}
	username := mux.Vars(r)["username"]
	if err := h.Mikrotik.DisconnectPPPUser(username); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Health is the unauthenticated liveness endpoint
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============== Helpers ==============

func (h *Handler) deviceFromRequest(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid device id")
		return nil, false
	}
	device, err := h.DB.GetDevice(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get device")
		return nil, false
	}
	if device == nil {
		respondError(w, http.StatusNotFound, "Device not found")
		return nil, false
	}
	return device, true
}

func (h *Handler) taskFromRequest(w http.ResponseWriter, r *http.Request) (*models.DeviceTask, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid task id")
		return nil, false
	}
	task, err := h.DB.GetTask(id)
	if err != nil || task == nil {
		respondError(w, http.StatusNotFound, "Task not found")
		return nil, false
	}
	return task, true
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func getQueryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
