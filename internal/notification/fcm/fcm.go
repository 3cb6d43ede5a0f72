package fcm

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"ont-acs/internal/config"
	"ont-acs/internal/models"
)

// Client pushes operator alerts through Firebase Cloud Messaging. A client
// without credentials is valid and silently drops everything, so callers
// never need to branch on whether push is configured.
type Client struct {
	app    *firebase.App
	cfg    *config.Config
	logger zerolog.Logger
}

// New creates a new FCM client
func New(cfg *config.Config, logger zerolog.Logger) *Client {
	c := &Client{cfg: cfg, logger: logger}
	if cfg.FirebaseCredentialsFile == "" {
		logger.Info().Msg("fcm disabled: no credentials file configured")
		return c
	}

	opt := option.WithCredentialsFile(cfg.FirebaseCredentialsFile)
	app, err := firebase.NewApp(context.Background(), nil, opt)
	if err != nil {
		logger.Error().Err(err).Msg("fcm init failed, notifications disabled")
		return c
	}

	logger.Info().Msg("fcm initialized")
	c.app = app
	return c
}

// Send sends a push notification to a specific token
func (c *Client) Send(token, title, body string) error {
	if c.app == nil {
		return nil
	}
	if token == "" {
		return fmt.Errorf("fcm: empty token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := c.app.Messaging(ctx)
	if err != nil {
		return fmt.Errorf("fcm: messaging client: %w", err)
	}

	message := &messaging.Message{
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Token: token,
	}

	id, err := client.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("fcm: send: %w", err)
	}
	c.logger.Debug().Str("message", id).Msg("fcm notification sent")
	return nil
}

// sendOperator pushes to the configured operator token, logging instead of
// failing the caller.
func (c *Client) sendOperator(title, body string) {
	if c.cfg.FCMOperatorToken == "" {
		return
	}
	if err := c.Send(c.cfg.FCMOperatorToken, title, body); err != nil {
		c.logger.Warn().Err(err).Msg("operator notification failed")
	}
}

// NotifyDeviceOffline alerts the operator that a device went stale.
func (c *Client) NotifyDeviceOffline(device *models.Device) {
	c.sendOperator(
		"Device offline",
		fmt.Sprintf("%s (%s) has not informed within the offline threshold", device.SerialNumber, device.ModelName),
	)
}

// NotifyTaskFailed alerts the operator that a queued task failed.
func (c *Client) NotifyTaskFailed(serial string, taskType models.TaskType, message string) {
	c.sendOperator(
		"Task failed",
		fmt.Sprintf("%s task on %s failed: %s", taskType, serial, message),
	)
}
