package schema

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Close codes of the schema socket. The agent sends one schema
// message and the server answers with a close frame: 1000 when the
// schema was stored, 4001 and 4002 for key problems, 4000 for
// everything that went wrong after auth.
const (
	CloseFailed     = 4000
	CloseMissingKey = 4001
	CloseUnknownKey = 4002
)

// ConnSpec describes the database connection of an analyzed
// application, as read from an agent config file. Either a full
// connection string or host/port/user/password/database parts.
type ConnSpec struct {
	Driver           string `json:"driver" yaml:"driver"`
	ConnectionString string `json:"connection_string" yaml:"connection_string"`
	Host             string `json:"host" yaml:"host"`
	Port             int    `json:"port" yaml:"port"`
	User             string `json:"user" yaml:"user"`
	Password         string `json:"password" yaml:"password"`
	Database         string `json:"database" yaml:"database"`
	SSLMode          string `json:"sslmode" yaml:"sslmode"`

	// Optional push target: when both are set the agent sends the
	// extracted schema to the analyzer server over websocket.
	ServerWSURL  string `json:"server_ws_url" yaml:"server_ws_url"`
	ServerAPIKey string `json:"server_api_key" yaml:"server_api_key"`
}

// LoadConnSpec reads a connection spec from a JSON or YAML file.
func LoadConnSpec(path string) (*ConnSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c ConnSpec
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q (use .json, .yml or .yaml)", ext)
	}
	return &c, nil
}

// DSN validates the spec and renders the driver name plus connection
// string for it.
func (c *ConnSpec) DSN() (driver, dsn string, err error) {
	driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if driver == "postgresql" {
		driver = "postgres"
	}
	if driver == "sqlite3" {
		driver = "sqlite"
	}
	switch driver {
	case "mysql", "postgres", "sqlite":
	default:
		return "", "", fmt.Errorf("driver must be mysql, postgres or sqlite, got %q", c.Driver)
	}

	if c.ConnectionString != "" {
		return driver, strings.TrimSpace(c.ConnectionString), nil
	}

	if driver == "sqlite" {
		if c.Database == "" {
			return "", "", fmt.Errorf("database (file path) is required for sqlite")
		}
		return driver, c.Database, nil
	}

	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		if driver == "mysql" {
			port = 3306
		} else {
			port = 5432
		}
	}
	if c.Database == "" {
		return "", "", fmt.Errorf("database is required when not using connection_string")
	}

	if driver == "mysql" {
		user := c.User
		if c.Password != "" {
			user = user + ":" + c.Password
		}
		return driver, fmt.Sprintf("%s@tcp(%s:%d)/%s", user, host, port, c.Database), nil
	}

	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	var sb strings.Builder
	sb.WriteString("postgres://")
	if c.User != "" {
		sb.WriteString(url.PathEscape(c.User))
		if c.Password != "" {
			sb.WriteString(":")
			sb.WriteString(url.PathEscape(c.Password))
		}
		sb.WriteString("@")
	}
	sb.WriteString(host)
	sb.WriteString(":")
	sb.WriteString(strconv.Itoa(port))
	sb.WriteString("/")
	sb.WriteString(c.Database)
	sb.WriteString("?sslmode=")
	sb.WriteString(sslmode)
	return driver, sb.String(), nil
}
