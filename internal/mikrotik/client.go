package mikrotik

import (
	"fmt"
	"strings"

	"github.com/go-routeros/routeros"

	"ont-acs/internal/config"
)

// Client talks to the upstream MikroTik BRAS over the RouterOS API.
// MikroTik gear is detected at the TR-069 endpoint but never managed over
// CWMP; session and health data comes from here instead.
type Client struct {
	cfg *config.Config
}

// New creates a new MikroTik client
func New(cfg *config.Config) *Client {
	return &Client{cfg: cfg}
}

// Enabled reports whether a router is configured at all.
func (c *Client) Enabled() bool {
	return c.cfg.MikrotikHost != ""
}

// connect establishes a connection to the router
func (c *Client) connect() (*routeros.Client, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("MikroTik host not configured")
	}

	address := fmt.Sprintf("%s:%d", c.cfg.MikrotikHost, c.cfg.MikrotikPort)
	client, err := routeros.Dial(address, c.cfg.MikrotikUser, c.cfg.MikrotikPass)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// TestConnection verifies the router is reachable with the configured
// credentials.
func (c *Client) TestConnection() error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	client.Close()
	return nil
}

// GetSystemResource retrieves router information (uptime, version, etc)
func (c *Client) GetSystemResource() (map[string]string, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	res, err := client.Run("/system/resource/print")
	if err != nil {
		return nil, err
	}

	if len(res.Re) > 0 {
		return res.Re[0].Map, nil
	}
	return nil, fmt.Errorf("could not get system resources")
}

// PPPSession is one active PPPoE session on the BRAS.
type PPPSession struct {
	Username string
	Address  string
	Uptime   string
	CallerID string
}

// GetActivePPPSessions lists the PPPoE sessions currently online. The
// username is how a session is matched back to the ONT that authenticated
// with it.
func (c *Client) GetActivePPPSessions() ([]PPPSession, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	res, err := client.Run("/ppp/active/print")
	if err != nil {
		return nil, err
	}

	sessions := make([]PPPSession, 0, len(res.Re))
	for _, re := range res.Re {
		sessions = append(sessions, PPPSession{
			Username: re.Map["name"],
			Address:  re.Map["address"],
			Uptime:   re.Map["uptime"],
			CallerID: re.Map["caller-id"],
		})
	}
	return sessions, nil
}

// FindPPPSession returns the active session for a PPPoE username, or nil.
func (c *Client) FindPPPSession(username string) (*PPPSession, error) {
	client, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	res, err := client.Run("/ppp/active/print", "?name="+username)
	if err != nil {
		return nil, err
	}
	if len(res.Re) == 0 {
		return nil, nil
	}
	re := res.Re[0]
	return &PPPSession{
		Username: re.Map["name"],
		Address:  re.Map["address"],
		Uptime:   re.Map["uptime"],
		CallerID: re.Map["caller-id"],
	}, nil
}

// DisconnectPPPUser drops the active PPPoE session for a username, forcing
// the CPE to re-dial. Used after a wan task changes credentials, since the
// old session would otherwise linger until its keepalive dies.
func (c *Client) DisconnectPPPUser(username string) error {
	client, err := c.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Run("/ppp/active/print", "?name="+username)
	if err != nil {
		return err
	}
	if len(res.Re) == 0 {
		return fmt.Errorf("no active PPP session for user %s", username)
	}

	var failed []string
	for _, re := range res.Re {
		id := re.Map["_id"]
		if _, err := client.Run("/ppp/active/remove", "=.id="+id); err != nil {
			failed = append(failed, id)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to remove PPP sessions: %s", strings.Join(failed, ", "))
	}
	return nil
}
