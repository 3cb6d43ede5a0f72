package models

import (
	"encoding/json"
	"time"
)

// Device represents a managed CPE (ONT/router)
type Device struct {
	ID                int64        `json:"id"`
	SerialNumber      string       `json:"serialNumber"`
	OUI               string       `json:"oui"`
	ProductClass      string       `json:"productClass"`
	Manufacturer      string       `json:"manufacturer"`
	ModelName         string       `json:"modelName"`
	HardwareVersion   string       `json:"hardwareVersion"`
	SoftwareVersion   string       `json:"softwareVersion"`
	ConnectionRequest string       `json:"connectionRequestUrl"`
	ConnReqUsername   string       `json:"connReqUsername,omitempty"`
	ConnReqPassword   string       `json:"-"`
	Status            DeviceStatus `json:"status"`
	LastInform        *time.Time   `json:"lastInform"`
	LastContact       *time.Time   `json:"lastContact"`
	IPAddress         string       `json:"ipAddress"`
	SSID              string       `json:"ssid"`
	Uptime            int64        `json:"uptime"`
	RXPower           float64      `json:"rxPower"`
	ClientCount       int          `json:"clientCount"`
	PendingTasks      int64        `json:"pendingTasks"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// DeviceStatus represents the online/offline status
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
)

// DeviceParameter represents a stored TR-069 parameter value
type DeviceParameter struct {
	ID        int64     `json:"id"`
	DeviceID  int64     `json:"deviceId"`
	Name      string    `json:"name"`
	Value     string    `json:"value"`
	Type      string    `json:"type"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeviceTask represents a queued operation for a device
type DeviceTask struct {
	ID              int64           `json:"id"`
	DeviceID        int64           `json:"deviceId"`
	Type            TaskType        `json:"type"`
	Status          TaskStatus      `json:"status"`
	Data            json.RawMessage `json:"data"`
	Message         string          `json:"message,omitempty"`
	CancelRequested bool            `json:"cancelRequested"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// TaskType represents the type of task
type TaskType string

const (
	TaskWiFi          TaskType = "wifi"
	TaskWAN           TaskType = "wan"
	TaskPPPoE         TaskType = "pppoe"
	TaskReboot        TaskType = "reboot"
	TaskInfo          TaskType = "info"
	TaskGetParameters TaskType = "get_parameters"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// WiFiTaskData is the payload of a wifi task
type WiFiTaskData struct {
	SSID     string `json:"ssid"`
	Password string `json:"password,omitempty"`
}

// WANTaskData is the payload of a wan/pppoe task
type WANTaskData struct {
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"`
	ConnectionType string `json:"connectionType,omitempty"`
}

// RebootTaskData is the payload of a reboot task
type RebootTaskData struct {
	Delayed      bool `json:"delayed,omitempty"`
	DelaySeconds int  `json:"delaySeconds,omitempty"`
}

// GetParametersTaskData is the payload of a get_parameters task
type GetParametersTaskData struct {
	Names []string `json:"names"`
}

// Log represents a system log entry
type Log struct {
	ID        int64     `json:"id"`
	DeviceID  *int64    `json:"deviceId,omitempty"`
	Level     string    `json:"level"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// User represents an operator account
type User struct {
	ID        int64      `json:"id"`
	Username  string     `json:"username"`
	Password  string     `json:"-"`
	Role      string     `json:"role"`
	LastLogin *time.Time `json:"lastLogin"`
	CreatedAt time.Time  `json:"createdAt"`
}

// DashboardStats represents dashboard statistics
type DashboardStats struct {
	TotalDevices   int64 `json:"totalDevices"`
	OnlineDevices  int64 `json:"onlineDevices"`
	OfflineDevices int64 `json:"offlineDevices"`
	PendingTasks   int64 `json:"pendingTasks"`
	ActiveSessions int64 `json:"activeSessions"`
}
