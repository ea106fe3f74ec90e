// Package config loads and persists the forwarding engine configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// FileName is the configuration document inside the config directory.
const FileName = "config.json"

// Config is the whole configuration document. Field names are part of the
// external contract: existing deployments edit this file by hand and the
// control RPC exchanges it verbatim.
type Config struct {
	Cuentas           []Account `koanf:"cuentas" json:"cuentas"`
	IntervaloRevision int       `koanf:"intervalo_revision" json:"intervalo_revision"`
	APIEnabled        bool      `koanf:"api_enabled" json:"api_enabled"`
	APIPort           int       `koanf:"api_port" json:"api_port"`
	LogsCompletos     bool      `koanf:"logs_completos" json:"logs_completos"`
}

// Account is one IMAP+SMTP credential pair with its rule list. Activa is a
// pointer because absence and false differ: hand-edited documents routinely
// omit the field and mean active.
type Account struct {
	Nombre       string `koanf:"nombre" json:"nombre"`
	Activa       *bool  `koanf:"activa" json:"activa"`
	IMAPServer   string `koanf:"imap_server" json:"imap_server"`
	IMAPUser     string `koanf:"imap_user" json:"imap_user"`
	IMAPPassword string `koanf:"imap_password" json:"imap_password"`
	SMTPServer   string `koanf:"smtp_server" json:"smtp_server"`
	SMTPPort     int    `koanf:"smtp_port" json:"smtp_port"`
	SMTPUser     string `koanf:"smtp_user" json:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password" json:"smtp_password"`
	Reglas       []Rule `koanf:"reglas" json:"reglas"`
}

// Rule is a forwarding predicate plus its destination list.
type Rule struct {
	Nombre          string   `koanf:"nombre" json:"nombre"`
	Activa          *bool    `koanf:"activa" json:"activa"`
	Remitentes      []string `koanf:"remitentes" json:"remitentes"`
	PalabrasClave   []string `koanf:"palabras_clave" json:"palabras_clave"`
	Destinatarios   []string `koanf:"destinatarios" json:"destinatarios"`
	IncluirAdjuntos bool     `koanf:"incluir_adjuntos" json:"incluir_adjuntos"`
}

// Bool returns a pointer to v, for building documents in code.
func Bool(v bool) *bool {
	return &v
}

// Active reports whether the account is enabled. A missing activa field
// means active; deployed documents rely on that default.
func (a Account) Active() bool {
	return a.Activa == nil || *a.Activa
}

// Active reports whether the rule is enabled, with the same missing-field
// default as accounts.
func (r Rule) Active() bool {
	return r.Activa == nil || *r.Activa
}

// DefaultConfig returns the document written on first run.
func DefaultConfig() *Config {
	return &Config{
		Cuentas:           []Account{},
		IntervaloRevision: 60,
		APIEnabled:        true,
		APIPort:           5555,
		LogsCompletos:     false,
	}
}

// Load reads the configuration document from path. A missing file yields the
// default document. A malformed file is an error; callers decide whether to
// fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), koanfjson.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the document atomically: temp file in the same directory, then
// rename. A crash mid-write never leaves a truncated document behind.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

// applyDefaults fills optional fields existing documents may omit.
func (c *Config) applyDefaults() {
	if c.Cuentas == nil {
		c.Cuentas = []Account{}
	}
	if c.IntervaloRevision < 1 {
		c.IntervaloRevision = 60
	}
	if c.APIPort == 0 {
		c.APIPort = 5555
	}
	for i := range c.Cuentas {
		if c.Cuentas[i].Activa == nil {
			c.Cuentas[i].Activa = Bool(true)
		}
		if c.Cuentas[i].SMTPPort == 0 {
			c.Cuentas[i].SMTPPort = 587
		}
		if c.Cuentas[i].Reglas == nil {
			c.Cuentas[i].Reglas = []Rule{}
		}
		for j := range c.Cuentas[i].Reglas {
			if c.Cuentas[i].Reglas[j].Activa == nil {
				c.Cuentas[i].Reglas[j].Activa = Bool(true)
			}
		}
	}
}

// Validate checks the document before it is accepted as the live config.
func (c *Config) Validate() error {
	if c.IntervaloRevision < 1 {
		return fmt.Errorf("intervalo_revision must be at least 1 second (got: %d)", c.IntervaloRevision)
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("api_port must be between 1 and 65535 (got: %d)", c.APIPort)
	}
	for i, cuenta := range c.Cuentas {
		if !cuenta.Active() {
			continue
		}
		if cuenta.IMAPServer == "" {
			return fmt.Errorf("cuentas[%d].imap_server is required for an active account", i)
		}
		if cuenta.IMAPUser == "" {
			return fmt.Errorf("cuentas[%d].imap_user is required for an active account", i)
		}
		if cuenta.SMTPServer == "" {
			return fmt.Errorf("cuentas[%d].smtp_server is required for an active account", i)
		}
		if cuenta.SMTPPort < 1 || cuenta.SMTPPort > 65535 {
			return fmt.Errorf("cuentas[%d].smtp_port must be between 1 and 65535 (got: %d)", i, cuenta.SMTPPort)
		}
		if cuenta.SMTPUser == "" {
			return fmt.Errorf("cuentas[%d].smtp_user is required for an active account", i)
		}
	}
	return nil
}

// Warnings lists deployment caveats the operator should see. These do not
// block startup; the behaviors they describe are part of the contract.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.APIEnabled {
		warnings = append(warnings,
			fmt.Sprintf("control RPC on port %d has no authentication and binds to all interfaces", c.APIPort))
	}
	if len(c.Cuentas) > 0 {
		warnings = append(warnings, "account credentials are stored in plaintext in the config file")
	}
	warnings = append(warnings, "log files may contain message subjects and sender addresses")
	return warnings
}

// Clone returns a deep copy of the document so readers never share slices
// with the live config.
func (c *Config) Clone() *Config {
	out := *c
	out.Cuentas = make([]Account, len(c.Cuentas))
	for i, cuenta := range c.Cuentas {
		cc := cuenta
		if cuenta.Activa != nil {
			cc.Activa = Bool(*cuenta.Activa)
		}
		cc.Reglas = make([]Rule, len(cuenta.Reglas))
		for j, regla := range cuenta.Reglas {
			rc := regla
			if regla.Activa != nil {
				rc.Activa = Bool(*regla.Activa)
			}
			rc.Remitentes = append([]string(nil), regla.Remitentes...)
			rc.PalabrasClave = append([]string(nil), regla.PalabrasClave...)
			rc.Destinatarios = append([]string(nil), regla.Destinatarios...)
			cc.Reglas[j] = rc
		}
		out.Cuentas[i] = cc
	}
	return &out
}

// EnsureDir creates the config directory if needed.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}
