// Package conf loads and validates the scenecommd YAML configuration.
package conf

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Conf is the full daemon configuration.
type Conf struct {
	Listen Listen `yaml:"listen"`
	UDP    UDP    `yaml:"udp"`
	Log    Log    `yaml:"log"`
	Ops    Ops    `yaml:"ops"`
}

// Listen configures the reliable-channel listener.
type Listen struct {
	IP   string `yaml:"ip"`   // empty = all interfaces
	Port int    `yaml:"port"` // default 2021
}

// UDP configures the datagram-channel port range.
type UDP struct {
	PortMin int `yaml:"port_min"` // default 30001
	PortMax int `yaml:"port_max"` // default 40000
}

// Log configures logging.
type Log struct {
	Level string `yaml:"level"` // "debug" or "info"
}

// Ops configures the read-only observation endpoint. An empty address
// disables it.
type Ops struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Conf {
	c := &Conf{}
	c.setDefaults()
	return c
}

// LoadFromFile reads, defaults, and validates a YAML config.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var conf Conf
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, err
	}

	conf.setDefaults()
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Conf) setDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 2021
	}
	if c.UDP.PortMin == 0 {
		c.UDP.PortMin = 30001
	}
	if c.UDP.PortMax == 0 {
		c.UDP.PortMax = 40000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Conf) validate() error {
	var allErrors []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		allErrors = append(allErrors, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Listen.IP != "" && net.ParseIP(c.Listen.IP) == nil {
		allErrors = append(allErrors, fmt.Errorf("listen.ip %q is not a valid IP", c.Listen.IP))
	}
	if c.UDP.PortMin < 1 || c.UDP.PortMin > 65535 {
		allErrors = append(allErrors, fmt.Errorf("udp.port_min %d out of range", c.UDP.PortMin))
	}
	if c.UDP.PortMax < 1 || c.UDP.PortMax > 65535 {
		allErrors = append(allErrors, fmt.Errorf("udp.port_max %d out of range", c.UDP.PortMax))
	}
	if c.UDP.PortMin > c.UDP.PortMax {
		allErrors = append(allErrors, fmt.Errorf("udp.port_min %d above udp.port_max %d", c.UDP.PortMin, c.UDP.PortMax))
	}
	if c.Log.Level != "debug" && c.Log.Level != "info" {
		allErrors = append(allErrors, fmt.Errorf("log.level must be 'debug' or 'info'"))
	}

	return writeErr(allErrors)
}

// ListenAddr joins the configured listen ip and port into a dial string.
func (c *Conf) ListenAddr() string {
	return net.JoinHostPort(c.Listen.IP, strconv.Itoa(c.Listen.Port))
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	var messages []string
	for _, err := range allErrors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}
