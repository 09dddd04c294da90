// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-roombridge/pkg/connector/database"
	"github.com/aiku/mattermost-roombridge/pkg/connector/idtemplate"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the whole bridge configuration.
type Config struct {
	Homeserver   HomeserverConfig   `yaml:"homeserver"`
	AppService   AppServiceConfig   `yaml:"appservice"`
	Mattermost   MattermostConfig   `yaml:"mattermost"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Database     database.Config    `yaml:"database"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Logging      zeroconfig.Config  `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
	// PublicAddress is used to build media download URLs posted to
	// Mattermost. Defaults to Address.
	PublicAddress string `yaml:"public_address"`
}

type AppServiceConfig struct {
	Registration string `yaml:"registration"`
	Hostname     string `yaml:"hostname"`
	Port         uint16 `yaml:"port"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	// Token is the access token of the relay account.
	Token string `yaml:"token"`
	// BotPrefix is a username prefix for echo prevention. Any Mattermost
	// username starting with this prefix is treated as a bridge-managed bot
	// and its posts are not relayed back to Matrix. Leave empty to disable
	// prefix-based filtering.
	BotPrefix string `yaml:"bot_prefix"`
}

type BridgeConfig struct {
	UsernameTemplate    string                  `yaml:"username_template"`
	AliasTemplate       string                  `yaml:"alias_template"`
	DisplaynameTemplate string                  `yaml:"displayname_template"`
	AdminRoom           id.RoomID               `yaml:"admin_room"`
	NameMangling        []idtemplate.MangleRule `yaml:"name_mangling"`

	RateLimit        time.Duration `yaml:"rate_limit"`
	SyncRateLimit    time.Duration `yaml:"sync_rate_limit"`
	StartupStagger   time.Duration `yaml:"startup_stagger"`
	EchoTTL          time.Duration `yaml:"echo_ttl"`
	EchoReapInterval time.Duration `yaml:"echo_reap_interval"`
	OfflineGrace     time.Duration `yaml:"offline_grace"`
	PresenceInterval time.Duration `yaml:"presence_interval"`
}

type ProvisioningConfig struct {
	// Listen is the address of the HTTP API serving provisioning, third
	// party lookups, puppet reload and metrics. Empty disables it.
	Listen string `yaml:"listen"`
	// SharedSecret is required as a bearer token on provisioning and
	// reload requests. Empty disables authentication.
	SharedSecret string `yaml:"shared_secret"`
	Metrics      bool   `yaml:"metrics"`
	IconURI      string `yaml:"icon_uri"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

// Compiled holds the parsed forms of the templates in Config.
type Compiled struct {
	Username    *idtemplate.Template
	Alias       *idtemplate.Template
	Mangler     *idtemplate.Mangler
	displayname *template.Template
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills in defaults and compiles the templates.
func (c *Config) PostProcess() (*Compiled, error) {
	if c.Homeserver.Domain == "" {
		return nil, fmt.Errorf("homeserver.domain is required")
	}
	if c.Homeserver.PublicAddress == "" {
		c.Homeserver.PublicAddress = c.Homeserver.Address
	}
	c.Mattermost.ServerURL = strings.TrimSuffix(c.Mattermost.ServerURL, "/")
	b := &c.Bridge
	if b.UsernameTemplate == "" {
		b.UsernameTemplate = "mattermost_${USER}"
	}
	if b.AliasTemplate == "" {
		b.AliasTemplate = "mattermost_${ROOM}"
	}
	setDefault(&b.RateLimit, time.Second)
	setDefault(&b.SyncRateLimit, 2*time.Second)
	setDefault(&b.StartupStagger, time.Second)
	setDefault(&b.EchoTTL, DefaultEchoTTL)
	setDefault(&b.EchoReapInterval, DefaultEchoReapInterval)

	var out Compiled
	var err error
	out.Username, err = idtemplate.New("@", b.UsernameTemplate, c.Homeserver.Domain)
	if err != nil {
		return nil, fmt.Errorf("username_template: %w", err)
	}
	if !out.Username.HasField("USER") {
		return nil, fmt.Errorf("username_template must use ${USER}")
	}
	out.Alias, err = idtemplate.New("#", b.AliasTemplate, c.Homeserver.Domain)
	if err != nil {
		return nil, fmt.Errorf("alias_template: %w", err)
	}
	if !out.Alias.HasField("ROOM") {
		return nil, fmt.Errorf("alias_template must use ${ROOM}")
	}
	out.Mangler, err = idtemplate.NewMangler(b.NameMangling)
	if err != nil {
		return nil, err
	}
	if b.DisplaynameTemplate != "" {
		out.displayname, err = template.New("displayname").Parse(b.DisplaynameTemplate)
		if err != nil {
			return nil, fmt.Errorf("displayname_template: %w", err)
		}
	}
	return &out, nil
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str|up.Null, "homeserver", "public_address")
	helper.Copy(up.Str, "appservice", "registration")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str|up.Null, "mattermost", "bot_prefix")
	helper.Copy(up.Str, "bridge", "username_template")
	helper.Copy(up.Str, "bridge", "alias_template")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str|up.Null, "bridge", "admin_room")
	helper.Copy(up.List, "bridge", "name_mangling")
	for _, key := range []string{
		"rate_limit", "sync_rate_limit", "startup_stagger",
		"echo_ttl", "echo_reap_interval", "offline_grace", "presence_interval",
	} {
		helper.Copy(up.Str, "bridge", key)
	}
	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Str|up.Null, "provisioning", "listen")
	helper.Copy(up.Str|up.Null, "provisioning", "shared_secret")
	helper.Copy(up.Bool, "provisioning", "metrics")
	helper.Copy(up.Str|up.Null, "provisioning", "icon_uri")
	helper.Copy(up.Map, "logging")
}

// Upgrader merges a user config onto the embedded example config.
func Upgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Base:           ExampleConfig,
	}
}

// LoadConfig reads and upgrades the config at path, writing the upgraded
// file back when save is set.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// FormatDisplayname generates a display name from the template and params.
func (c *Compiled) FormatDisplayname(params DisplaynameParams) string {
	if c == nil || c.displayname == nil {
		return params.Username
	}
	var buf []byte
	err := c.displayname.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil || len(buf) == 0 {
		return params.Username
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
