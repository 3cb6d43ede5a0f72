package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ont-acs/internal/models"

	"golang.org/x/crypto/bcrypt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the database connection
type DB struct {
	*sql.DB

	// OfflineThreshold controls the lazy staleness check applied when
	// device rows are read. A device whose last_contact is older than
	// this is reported (and persisted) as offline.
	OfflineThreshold time.Duration
}

// InitDB initializes the database connection and creates tables
func InitDB(dbPath string, offlineThreshold time.Duration) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	wrapper := &DB{DB: db, OfflineThreshold: offlineThreshold}

	if err := wrapper.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return wrapper, nil
}

func (db *DB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		serial_number TEXT NOT NULL UNIQUE,
		oui TEXT DEFAULT '',
		product_class TEXT DEFAULT '',
		manufacturer TEXT DEFAULT '',
		model_name TEXT DEFAULT '',
		hardware_version TEXT DEFAULT '',
		software_version TEXT DEFAULT '',
		connection_request_url TEXT DEFAULT '',
		conn_req_username TEXT DEFAULT '',
		conn_req_password TEXT DEFAULT '',
		status TEXT DEFAULT 'offline',
		last_inform TIMESTAMP,
		last_contact TIMESTAMP,
		ip_address TEXT DEFAULT '',
		ssid TEXT DEFAULT '',
		uptime INTEGER DEFAULT 0,
		rx_power REAL DEFAULT 0,
		client_count INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_devices_serial ON devices(serial_number);
	CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);

	CREATE TABLE IF NOT EXISTS parameters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		param_name TEXT NOT NULL,
		param_value TEXT DEFAULT '',
		param_type TEXT DEFAULT 'string',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(device_id, param_name)
	);
	CREATE INDEX IF NOT EXISTS idx_parameters_device ON parameters(device_id);

	CREATE TABLE IF NOT EXISTS device_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		task_type TEXT NOT NULL,
		task_data TEXT DEFAULT '{}',
		status TEXT DEFAULT 'pending',
		message TEXT DEFAULT '',
		cancel_requested INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_device_status ON device_tasks(device_id, status);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER,
		level TEXT DEFAULT 'info',
		category TEXT DEFAULT '',
		message TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL,
		role TEXT DEFAULT 'admin',
		last_login TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

// EnsureDefaultAdmin creates the admin user if no users exist
func (db *DB) EnsureDefaultAdmin(username, password string) error {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = db.Exec("INSERT INTO users (username, password, role) VALUES (?, ?, 'admin')", username, string(hash))
	return err
}

// GetUserByUsername retrieves a user for login
func (db *DB) GetUserByUsername(username string) (*models.User, error) {
	var u models.User
	err := db.QueryRow(`
		SELECT id, username, password, role, last_login, created_at
		FROM users WHERE username = ?
	`, username).Scan(&u.ID, &u.Username, &u.Password, &u.Role, &u.LastLogin, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// TouchUserLogin records a successful login
func (db *DB) TouchUserLogin(id int64) error {
	_, err := db.Exec("UPDATE users SET last_login = CURRENT_TIMESTAMP WHERE id = ?", id)
	return err
}

// ============== Device Operations ==============

const deviceColumns = `id, serial_number, oui, product_class, manufacturer, model_name,
	hardware_version, software_version, connection_request_url, conn_req_username,
	conn_req_password, status, last_inform, last_contact, ip_address, ssid,
	uptime, rx_power, client_count, created_at, updated_at`

func (db *DB) scanDevice(row interface{ Scan(...interface{}) error }) (*models.Device, error) {
	var d models.Device
	err := row.Scan(
		&d.ID, &d.SerialNumber, &d.OUI, &d.ProductClass, &d.Manufacturer, &d.ModelName,
		&d.HardwareVersion, &d.SoftwareVersion, &d.ConnectionRequest, &d.ConnReqUsername,
		&d.ConnReqPassword, &d.Status, &d.LastInform, &d.LastContact, &d.IPAddress, &d.SSID,
		&d.Uptime, &d.RXPower, &d.ClientCount, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	db.applyStaleness(&d)
	return &d, nil
}

// applyStaleness flips a device to offline when its last contact is older
// than the configured threshold. Checked on every read rather than by a
// background sweep so the reported status is never ahead of the data.
func (db *DB) applyStaleness(d *models.Device) {
	if db.OfflineThreshold <= 0 || d.Status != models.StatusOnline {
		return
	}
	if d.LastContact == nil || time.Since(*d.LastContact) > db.OfflineThreshold {
		d.Status = models.StatusOffline
		db.Exec("UPDATE devices SET status = 'offline' WHERE id = ?", d.ID)
	}
}

// GetDevices retrieves devices with optional status filter and search
func (db *DB) GetDevices(status string, search string, limit, offset int) ([]*models.Device, int64, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}
	if search != "" {
		where += " AND (serial_number LIKE ? OR model_name LIKE ? OR ip_address LIKE ?)"
		like := "%" + search + "%"
		args = append(args, like, like, like)
	}

	var total int64
	if err := db.QueryRow("SELECT COUNT(*) FROM devices "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf("SELECT %s FROM devices %s ORDER BY last_contact DESC LIMIT ? OFFSET ?", deviceColumns, where)
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := db.scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, d)
	}

	return devices, total, nil
}

// GetDevice retrieves a device by id
func (db *DB) GetDevice(id int64) (*models.Device, error) {
	row := db.QueryRow(fmt.Sprintf("SELECT %s FROM devices WHERE id = ?", deviceColumns), id)
	d, err := db.scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.PendingTasks, _ = db.countPendingTasks(d.ID)
	return d, nil
}

// GetDeviceBySerial retrieves a device by serial number, nil when unknown
func (db *DB) GetDeviceBySerial(serialNumber string) (*models.Device, error) {
	row := db.QueryRow(fmt.Sprintf("SELECT %s FROM devices WHERE serial_number = ?", deviceColumns), serialNumber)
	d, err := db.scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// GetDeviceByIP retrieves the most recently seen device for an IP address,
// nil when none matches
func (db *DB) GetDeviceByIP(ip string) (*models.Device, error) {
	row := db.QueryRow(fmt.Sprintf(
		"SELECT %s FROM devices WHERE ip_address = ? ORDER BY last_contact DESC LIMIT 1", deviceColumns), ip)
	d, err := db.scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// CreateDevice creates a new device record
func (db *DB) CreateDevice(device *models.Device) (*models.Device, error) {
	result, err := db.Exec(`
		INSERT INTO devices (serial_number, oui, product_class, manufacturer, model_name,
			hardware_version, software_version, connection_request_url, status,
			last_inform, last_contact, ip_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, ?)
	`,
		device.SerialNumber, device.OUI, device.ProductClass, device.Manufacturer,
		device.ModelName, device.HardwareVersion, device.SoftwareVersion,
		device.ConnectionRequest, device.Status, device.IPAddress,
	)
	if err != nil {
		return nil, err
	}

	id, _ := result.LastInsertId()
	device.ID = id
	return device, nil
}

// UpdateDevice updates an existing device record
func (db *DB) UpdateDevice(device *models.Device) error {
	_, err := db.Exec(`
		UPDATE devices SET
			oui = ?, product_class = ?, manufacturer = ?, model_name = ?,
			hardware_version = ?, software_version = ?, connection_request_url = ?,
			conn_req_username = ?, conn_req_password = ?, status = ?,
			last_inform = ?, last_contact = ?, ip_address = ?, ssid = ?,
			uptime = ?, rx_power = ?, client_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`,
		device.OUI, device.ProductClass, device.Manufacturer, device.ModelName,
		device.HardwareVersion, device.SoftwareVersion, device.ConnectionRequest,
		device.ConnReqUsername, device.ConnReqPassword, device.Status,
		device.LastInform, device.LastContact, device.IPAddress, device.SSID,
		device.Uptime, device.RXPower, device.ClientCount, device.ID,
	)
	return err
}

// DeleteDevice deletes a device and its dependent rows
func (db *DB) DeleteDevice(id int64) error {
	_, err := db.Exec("DELETE FROM devices WHERE id = ?", id)
	return err
}

// MarkStaleDevicesOffline flips devices whose last contact is older than
// the threshold and returns the affected rows for notification purposes.
func (db *DB) MarkStaleDevicesOffline() ([]*models.Device, error) {
	if db.OfflineThreshold <= 0 {
		return nil, nil
	}
	cutoff := time.Now().Add(-db.OfflineThreshold)

	rows, err := db.Query(fmt.Sprintf(
		"SELECT %s FROM devices WHERE status = 'online' AND (last_contact IS NULL OR last_contact < ?)",
		deviceColumns), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []*models.Device
	for rows.Next() {
		var d models.Device
		err := rows.Scan(
			&d.ID, &d.SerialNumber, &d.OUI, &d.ProductClass, &d.Manufacturer, &d.ModelName,
			&d.HardwareVersion, &d.SoftwareVersion, &d.ConnectionRequest, &d.ConnReqUsername,
			&d.ConnReqPassword, &d.Status, &d.LastInform, &d.LastContact, &d.IPAddress, &d.SSID,
			&d.Uptime, &d.RXPower, &d.ClientCount, &d.CreatedAt, &d.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		d.Status = models.StatusOffline
		stale = append(stale, &d)
	}

	if len(stale) > 0 {
		if _, err := db.Exec(
			"UPDATE devices SET status = 'offline' WHERE status = 'online' AND (last_contact IS NULL OR last_contact < ?)",
			cutoff); err != nil {
			return nil, err
		}
	}

	return stale, nil
}

// ============== Parameter Operations ==============

// SetDeviceParameter upserts a parameter value observed in a CPE response
func (db *DB) SetDeviceParameter(deviceID int64, name, value, paramType string) error {
	_, err := db.Exec(`
		INSERT INTO parameters (device_id, param_name, param_value, param_type, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(device_id, param_name) DO UPDATE SET
			param_value = excluded.param_value,
			param_type = excluded.param_type,
			updated_at = CURRENT_TIMESTAMP
	`, deviceID, name, value, paramType)
	return err
}

// GetDeviceParameters retrieves stored parameters, optionally by name prefix
func (db *DB) GetDeviceParameters(deviceID int64, namePrefix string) ([]*models.DeviceParameter, error) {
	query := `
		SELECT id, device_id, param_name, param_value, param_type, updated_at
		FROM parameters WHERE device_id = ?`
	args := []interface{}{deviceID}
	if namePrefix != "" {
		query += " AND param_name LIKE ?"
		args = append(args, namePrefix+"%")
	}
	query += " ORDER BY param_name"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []*models.DeviceParameter
	for rows.Next() {
		var p models.DeviceParameter
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.Name, &p.Value, &p.Type, &p.UpdatedAt); err != nil {
			return nil, err
		}
		params = append(params, &p)
	}

	return params, nil
}

// ============== Task Operations ==============

func scanTask(row interface{ Scan(...interface{}) error }) (*models.DeviceTask, error) {
	var t models.DeviceTask
	var data string
	err := row.Scan(&t.ID, &t.DeviceID, &t.Type, &t.Status, &data, &t.Message,
		&t.CancelRequested, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Data = []byte(data)
	return &t, nil
}

const taskColumns = `id, device_id, task_type, status, task_data, message,
	cancel_requested, created_at, updated_at`

// GetPendingTasks retrieves pending tasks for a device in FIFO order
func (db *DB) GetPendingTasks(deviceID int64) ([]*models.DeviceTask, error) {
	rows, err := db.Query(fmt.Sprintf(`
		SELECT %s FROM device_tasks
		WHERE device_id = ? AND status = 'pending'
		ORDER BY created_at ASC
	`, taskColumns), deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.DeviceTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// GetOldestPendingTask retrieves the next task to run for a device, or nil
func (db *DB) GetOldestPendingTask(deviceID int64) (*models.DeviceTask, error) {
	row := db.QueryRow(fmt.Sprintf(`
		SELECT %s FROM device_tasks
		WHERE device_id = ? AND status = 'pending'
		ORDER BY created_at ASC LIMIT 1
	`, taskColumns), deviceID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// GetTask retrieves a task by id, nil when unknown
func (db *DB) GetTask(id int64) (*models.DeviceTask, error) {
	row := db.QueryRow(fmt.Sprintf("SELECT %s FROM device_tasks WHERE id = ?", taskColumns), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// GetDeviceTasks retrieves all tasks for a device, newest first
func (db *DB) GetDeviceTasks(deviceID int64, limit int) ([]*models.DeviceTask, error) {
	rows, err := db.Query(fmt.Sprintf(`
		SELECT %s FROM device_tasks
		WHERE device_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, taskColumns), deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.DeviceTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// CreateTask creates a new pending task
func (db *DB) CreateTask(task *models.DeviceTask) (*models.DeviceTask, error) {
	data := string(task.Data)
	if data == "" {
		data = "{}"
	}
	result, err := db.Exec(`
		INSERT INTO device_tasks (device_id, task_type, task_data, status)
		VALUES (?, ?, ?, 'pending')
	`, task.DeviceID, task.Type, data)
	if err != nil {
		return nil, err
	}

	id, _ := result.LastInsertId()
	task.ID = id
	task.Status = models.TaskPending
	return task, nil
}

// UpdateTaskStatus advances a task's lifecycle state
func (db *DB) UpdateTaskStatus(id int64, status models.TaskStatus, message string) error {
	_, err := db.Exec(`
		UPDATE device_tasks SET status = ?, message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, message, id)
	return err
}

// RequestTaskCancel flags a pending or in-progress task for cancellation
func (db *DB) RequestTaskCancel(id int64) error {
	_, err := db.Exec(`
		UPDATE device_tasks SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN ('pending', 'in_progress')
	`, id)
	return err
}

// DeleteTask removes a task
func (db *DB) DeleteTask(id int64) error {
	_, err := db.Exec("DELETE FROM device_tasks WHERE id = ?", id)
	return err
}

func (db *DB) countPendingTasks(deviceID int64) (int64, error) {
	var n int64
	err := db.QueryRow(
		"SELECT COUNT(*) FROM device_tasks WHERE device_id = ? AND status = 'pending'", deviceID).Scan(&n)
	return n, err
}

// GetDevicesWithPendingTasks returns online devices that have queued work
func (db *DB) GetDevicesWithPendingTasks() ([]*models.Device, error) {
	rows, err := db.Query(fmt.Sprintf(`
		SELECT %s FROM devices
		WHERE status = 'online' AND id IN (
			SELECT DISTINCT device_id FROM device_tasks WHERE status = 'pending'
		)
	`, deviceColumns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := db.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	return devices, nil
}

// ============== Log Operations ==============

// CreateLog inserts a log entry
func (db *DB) CreateLog(deviceID *int64, level, category, message string) error {
	_, err := db.Exec(`
		INSERT INTO logs (device_id, level, category, message)
		VALUES (?, ?, ?, ?)
	`, deviceID, level, category, message)
	return err
}

// GetLogs retrieves log entries, newest first
func (db *DB) GetLogs(deviceID *int64, level string, limit, offset int) ([]*models.Log, error) {
	query := "SELECT id, device_id, level, category, message, created_at FROM logs WHERE 1=1"
	args := []interface{}{}
	if deviceID != nil {
		query += " AND device_id = ?"
		args = append(args, *deviceID)
	}
	if level != "" {
		query += " AND level = ?"
		args = append(args, level)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.Log
	for rows.Next() {
		var l models.Log
		if err := rows.Scan(&l.ID, &l.DeviceID, &l.Level, &l.Category, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}

	return logs, nil
}

// ============== Dashboard ==============

// GetDashboardStats aggregates counts for the dashboard
func (db *DB) GetDashboardStats() (*models.DashboardStats, error) {
	stats := &models.DashboardStats{}

	if err := db.QueryRow("SELECT COUNT(*) FROM devices").Scan(&stats.TotalDevices); err != nil {
		return nil, err
	}
	db.QueryRow("SELECT COUNT(*) FROM devices WHERE status = 'online'").Scan(&stats.OnlineDevices)
	stats.OfflineDevices = stats.TotalDevices - stats.OnlineDevices
	db.QueryRow("SELECT COUNT(*) FROM device_tasks WHERE status = 'pending'").Scan(&stats.PendingTasks)

	return stats, nil
}
