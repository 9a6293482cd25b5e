package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the static agent configuration loaded from the YAML file given
// on the command line. Runtime-tunable values live in the settings Tree;
// this struct holds connection endpoints and fixed paths.
type Config struct {
	InstanceDir string `yaml:"instance_dir"`
	VarDir      string `yaml:"var_dir"`
	LogDir      string `yaml:"log_dir"`
	LogLevel    string `yaml:"log_level"`

	Lobby   LobbyConfig   `yaml:"lobby"`
	Spring  SpringConfig  `yaml:"spring"`
	Hosting HostingConfig `yaml:"hosting"`

	// Presets are named bundles of setting constraints; the first allowed
	// value of each entry is its default.
	Presets        map[string]map[string][]string `yaml:"presets"`
	HostingPresets map[string]map[string][]string `yaml:"hosting_presets"`
	BattlePresets  map[string]map[string][]string `yaml:"battle_presets"`
	MapPresets     map[string]map[string][]string `yaml:"map_presets"`

	// Settings seeds the global scope: name -> allowed values.
	Settings map[string][]string `yaml:"settings"`

	// Levels maps user filters to access levels, evaluated first match.
	Levels []LevelRule `yaml:"levels"`

	// Macros holds the name=value command-line overrides, preserved so a
	// restart re-executes with the same arguments.
	Macros map[string]string `yaml:"-"`
}

// LobbyConfig describes the lobby server session.
type LobbyConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	TLS            string `yaml:"tls"` // on | off | auto
	Login          string `yaml:"login"`
	Password       string `yaml:"password"`
	LobbyClient    string `yaml:"lobby_client"`
	ReconnectDelay string `yaml:"reconnect_delay"` // seconds, or "a-b"
	FollowRedirect bool   `yaml:"follow_redirect"`

	MaxBytesSent        int `yaml:"max_bytes_sent"`
	MaxLowPrioBytesSent int `yaml:"max_low_prio_bytes_sent"`
	SendRecordPeriod    int `yaml:"send_record_period"` // seconds

	TrustedCerts map[string][]string `yaml:"trusted_certs"` // host -> sha256 hex

	// TrustOnConnect carries the --tls-cert-trust CLI request: "1" for
	// trust-whatever-is-presented, or "hash" / "host:hash".
	TrustOnConnect string `yaml:"-"`
}

// SpringConfig describes the game engine installation.
type SpringConfig struct {
	Binary       string   `yaml:"binary"`
	DataDirs     []string `yaml:"data_dirs"`
	AutohostPort int      `yaml:"autohost_port"`
	SpringPort   int      `yaml:"spring_port"`
	Headless     bool     `yaml:"headless"`
}

// HostingConfig describes the battle to open.
type HostingConfig struct {
	BattleName  string `yaml:"battle_name"`
	Password    string `yaml:"password"`
	Port        int    `yaml:"port"`
	MaxPlayers  int    `yaml:"max_players"`
	NatType     int    `yaml:"nat_type"`
	RankLimit   int    `yaml:"rank_limit"`
	ModName     string `yaml:"mod_name"` // literal, ~regex, or rapid://group:version
	Map         string `yaml:"map"`
	SkillBot    string `yaml:"skill_bot"` // lobby name of the rating service, e.g. SLDB
	ReportQueue string `yaml:"report_queue"`
}

// LevelRule grants an access level to users matching the filter. A rule
// with auth: true only applies once the user has proved their identity
// with !auth against their stored password preference.
type LevelRule struct {
	Name      string `yaml:"name"`      // literal or ~regex
	AccountID string `yaml:"accountId"` // literal, ~regex, or comparator
	Auth      bool   `yaml:"auth"`
	Level     int    `yaml:"level"`
}

// ResolveLevel returns the access level of a user under the rules, first
// match wins. accountID is "" for users whose account is not known.
func ResolveLevel(rules []LevelRule, name, accountID string, authenticated bool) int {
	for _, rule := range rules {
		if rule.Auth && !authenticated {
			continue
		}
		if !matchLevelRule(rule.Name, name) {
			continue
		}
		if rule.AccountID != "" {
			if accountID == "" || !matchLevelRule(rule.AccountID, accountID) {
				continue
			}
		}
		return rule.Level
	}
	return 0
}

func matchLevelRule(filter, val string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	if strings.HasPrefix(filter, "~") {
		ok, err := regexp.MatchString("^(?:"+filter[1:]+")$", val)
		return err == nil && ok
	}
	return filter == val
}

// Default returns a configuration with workable local defaults.
func Default() Config {
	return Config{
		InstanceDir: ".",
		VarDir:      "var",
		LogDir:      "log",
		LogLevel:    "info",
		Lobby: LobbyConfig{
			Host:                "lobby.springrts.com",
			Port:                8200,
			TLS:                 "auto",
			LobbyClient:         "autohost 0.1",
			ReconnectDelay:      "20-30",
			FollowRedirect:      false,
			MaxBytesSent:        4096,
			MaxLowPrioBytesSent: 1024,
			SendRecordPeriod:    5,
			TrustedCerts:        map[string][]string{},
		},
		Spring: SpringConfig{
			Binary:       "spring-dedicated",
			DataDirs:     []string{".spring"},
			AutohostPort: 8453,
			SpringPort:   8452,
			Headless:     false,
		},
		Hosting: HostingConfig{
			BattleName:  "autohost",
			MaxPlayers:  16,
			NatType:     0,
			RankLimit:   0,
			SkillBot:    "SLDB",
			ReportQueue: "autohost_gdr",
		},
		Presets:        map[string]map[string][]string{},
		HostingPresets: map[string]map[string][]string{},
		BattlePresets:  map[string]map[string][]string{},
		MapPresets:     map[string]map[string][]string{},
		Settings:       map[string][]string{},
		Macros:         map[string]string{},
	}
}

// Load reads the YAML config at path over the defaults, then applies macro
// overrides. A missing file is an error (the config file is a required CLI
// argument); macros referencing unknown keys are an error too.
func Load(path string, macros map[string]string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Macros = macros
	for k, v := range macros {
		if err := cfg.applyMacro(k, v); err != nil {
			return cfg, err
		}
	}
	if cfg.InstanceDir == "" {
		cfg.InstanceDir = "."
	}
	return cfg, nil
}

func (c *Config) applyMacro(key, value string) error {
	switch key {
	case "lobbyHost":
		c.Lobby.Host = value
	case "lobbyPort":
		if _, err := fmt.Sscanf(value, "%d", &c.Lobby.Port); err != nil {
			return fmt.Errorf("macro %s: %q is not a port", key, value)
		}
	case "lobbyLogin":
		c.Lobby.Login = value
	case "lobbyPassword":
		c.Lobby.Password = value
	case "lobbyTls":
		c.Lobby.TLS = value
	case "lobbyReconnectDelay":
		c.Lobby.ReconnectDelay = value
	case "instanceDir":
		c.InstanceDir = value
	case "logLevel":
		c.LogLevel = value
	case "springBinary":
		c.Spring.Binary = value
	case "map":
		c.Hosting.Map = value
	case "modName":
		c.Hosting.ModName = value
	case "battleName":
		c.Hosting.BattleName = value
	default:
		// Unknown macros target the global settings scope; they are kept in
		// Macros and applied by the agent once the tree is seeded.
		if strings.ContainsAny(key, " \t") {
			return fmt.Errorf("invalid macro name %q", key)
		}
	}
	return nil
}

// MacroArgs renders the macro overrides back into command-line form, sorted
// for a stable re-exec argument list.
func (c *Config) MacroArgs() []string {
	keys := make([]string, 0, len(c.Macros))
	for k := range c.Macros {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, k+"="+c.Macros[k])
	}
	return args
}

// SeedTree builds the settings tree from the config's global settings and
// built-in declarations, then layers macro overrides for setting names.
func (c *Config) SeedTree() (*Tree, error) {
	t := NewTree()
	for name, allowed := range builtinSettings {
		t.Declare(ScopeGlobal, name, allowed, false)
	}
	for name, allowed := range c.Settings {
		t.Declare(ScopeGlobal, name, allowed, false)
	}
	for name, allowed := range builtinBattleSettings {
		t.Declare(ScopeBattle, name, allowed, false)
	}
	for k, v := range c.Macros {
		if _, ok := t.scopes[ScopeGlobal].settings[k]; ok {
			if err := t.Set(ScopeGlobal, k, v); err != nil {
				return nil, fmt.Errorf("macro %s: %w", k, err)
			}
		}
	}
	return t, nil
}

// builtinSettings declares the settings the core consults, with their
// allowed values. The first entry of each list is the default.
var builtinSettings = map[string][]string{
	"autoStart":             {"off", "on", "advanced"},
	"autoLock":              {"off", "on", "advanced", "whenEmpty", "whenTeamSizeEven"},
	"autoLockClients":       {"0-251"},
	"autoLockRunningBattle": {"0", "1"},
	"autoSpecExtraPlayers":  {"0", "1"},
	"autoBalance":           {"off", "on", "advanced"},
	"autoFixColors":         {"off", "on", "advanced"},
	"balanceMode":           {"clan;skill", "skill", "clan", "random"},
	"clanMode":              {"~.*"},
	"idShareMode":           {"auto", "off", "all", "manual", "clan"},
	"balRandSeed":           {"0-4294967295"},
	"colorSensitivity":      {"-1-1000"},
	"nbTeams":               {"2", "1-16"},
	"teamSize":              {"1", "1-16"},
	"nbPlayerById":          {"1", "1-16"},
	"minTeamSize":           {"1", "0-16"},
	"minPlayers":            {"2", "0-251"},
	"maxSpecs":              {"", "0-251"},
	"maxBots":               {"", "0-251"},
	"maxLocalBots":          {"", "0-251"},
	"maxRemoteBots":         {"", "0-251"},
	"botsRank":              {"3", "0-7"},
	"specImmunityLevel":     {"100", "0-1000"},
	"voteTime":              {"40", "10-300"},
	"awayVoteDelay":         {"20", "~\\d+%?|"},
	"minVoteParticipation":  {"25", "~\\d+(?:;\\d+)?"},
	"majorityVoteMargin":    {"0", "0-50"},
	"ringDelay":             {"40", "0-300"},
	"msgFloodLimit":         {"~\\d+;\\d+"},
	"statusFloodLimit":      {"~\\d+;\\d+"},
	"kickFloodLimit":        {"~\\d+;\\d+;\\d+"},
	"cmdFloodLimit":         {"~\\d+;\\d+;\\d+"},
	"rpcFloodLimit":         {"~\\d+;\\d+"},
	"accountRetentionDays":  {"30", "0-3650"},
	"ipRetentionDays":       {"30", "0-3650"},
	"autoBanMinutes":        {"5", "0-1440"},
	"ignoreMinutes":         {"5", "0-1440"},
	"skillMode":             {"rank", "TrueSkill"},
	"rankMode":              {"account", "ip", "manual"},
	"spoofProtection":       {"off", "warn", "kick"},
	"endGameAwards":         {"1", "0-2"},
	"forceStart":            {"0", "1"},
	"bossImmunityLevel":     {"120", "0-1000"},
	"autoSetVoteMode":       {"0", "1"},
	"engineAutoManagement":  {"off", "on"},
	"unitsyncTimeout":       {"30", "5-300"},
	"mapLinkPattern":        {"~.*"},
	"ghostMaps":             {"0", "1"},
	"disabledUnits":         {"~.*"},
	"ircColors":             {"0", "1"},
	"voteMode":              {"normal", "away"},
}

var builtinBattleSettings = map[string][]string{
	"startpostype": {"2", "0", "1"},
}
