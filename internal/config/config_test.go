package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validProvider() ProviderConfig {
	return ProviderConfig{
		Enabled:    true,
		Type:       "twilio",
		WebhookURL: "https://hooks.example.com/webhooks/sms",
		Signature:  SignatureConfig{Kind: "twilio", Secret: "s3cret"},
	}
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_ExampleProvidersAreValid(t *testing.T) {
	cfg := Defaults()
	cfg.Providers = ExampleProviders()
	if err := Validate(cfg); err != nil {
		t.Fatalf("example providers should validate while disabled: %v", err)
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		cfg.General.LogLevel = lvl
		if err := Validate(cfg); err != nil {
			t.Fatalf("level %q should be valid: %v", lvl, err)
		}
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_PipelineBounds(t *testing.T) {
	cases := map[string]func(*Config){
		"batchConcurrency=0":      func(c *Config) { c.Pipeline.BatchConcurrency = 0 },
		"stageTimeout=0":          func(c *Config) { c.Pipeline.StageTimeoutSeconds = 0 },
		"idempotencyTtl=0":        func(c *Config) { c.Pipeline.IdempotencyTTLMinutes = 0 },
		"maxRetries=11":           func(c *Config) { c.Pipeline.MaxRetries = 11 },
		"similarityThreshold=0":   func(c *Config) { c.Pipeline.Dedup.SimilarityThreshold = 0 },
		"similarityThreshold=1.5": func(c *Config) { c.Pipeline.Dedup.SimilarityThreshold = 1.5 },
		"confidence=-0.1":         func(c *Config) { c.Pipeline.Identity.ConfidenceThreshold = -0.1 },
		"recentWindow=0":          func(c *Config) { c.Pipeline.Threading.RecentWindowHours = 0 },
		"emptyDSN":                func(c *Config) { c.Store.DSN = "" },
		"tinyBody":                func(c *Config) { c.Server.MaxBodyBytes = 10 },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidate_CronSchedules(t *testing.T) {
	cfg := Defaults()
	cfg.Maintenance.ArchiveSchedule = "every night"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}

	cfg.Maintenance.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("schedules are ignored when maintenance is disabled: %v", err)
	}
}

func TestValidate_Providers(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["sms"] = validProvider()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid provider, got: %v", err)
	}

	bad := map[string]func(*ProviderConfig){
		"unknown type":   func(p *ProviderConfig) { p.Type = "fax" },
		"unknown kind":   func(p *ProviderConfig) { p.Signature.Kind = "md5" },
		"missing secret": func(p *ProviderConfig) { p.Signature.Secret = "" },
		"missing url":    func(p *ProviderConfig) { p.WebhookURL = "" },
		"empty kind":     func(p *ProviderConfig) { p.Signature.Kind = "" },
		"untyped":        func(p *ProviderConfig) { p.Enabled = false; p.Type = "" },
	}
	for name, mutate := range bad {
		cfg := Defaults()
		p := validProvider()
		mutate(&p)
		cfg.Providers["sms"] = p
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidate_TwilioUsesPublicURL(t *testing.T) {
	cfg := Defaults()
	p := validProvider()
	p.WebhookURL = ""
	cfg.Providers["sms"] = p
	cfg.Server.PublicURL = "https://hooks.example.com"
	if err := Validate(cfg); err != nil {
		t.Fatalf("server.publicUrl should satisfy twilio: %v", err)
	}
	if got := cfg.WebhookURL("sms"); got != "https://hooks.example.com/webhooks/sms" {
		t.Fatalf("unexpected webhook url %q", got)
	}
}

func TestValidate_SignatureNoneSkipsSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["inbox"] = ProviderConfig{Enabled: true, Type: "email", Signature: SignatureConfig{Kind: SignatureKindNone}}
	if err := Validate(cfg); err != nil {
		t.Fatalf("kind none needs no secret: %v", err)
	}
}

func TestValidate_ReportsEveryError(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	cfg.Pipeline.BatchConcurrency = 0
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	if !strings.Contains(err.Error(), "server.port") || !strings.Contains(err.Error(), "pipeline.batchConcurrency") {
		t.Fatalf("expected both errors listed, got: %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Store.DSN = "memory"
	original.Providers["sms"] = validProvider()

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Store.DSN != "memory" {
		t.Fatalf("expected 'memory', got %q", loaded.Store.DSN)
	}
	if loaded.Providers["sms"].Signature.Secret != "s3cret" {
		t.Fatalf("provider did not round-trip: %+v", loaded.Providers["sms"])
	}
}

func TestSave_RestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Defaults()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Fatalf("config holds secrets, got mode %v", info.Mode().Perm())
	}
}

func TestLoadSave_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	original := Defaults()
	original.Store.DSN = "memory"
	original.Pipeline.Dedup.SimilarityThreshold = 0.9
	original.Providers["sms"] = validProvider()
	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "maxBodyBytes: 1048576") {
		t.Fatalf("expected plain integers in YAML, got:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.MaxBodyBytes != 1<<20 {
		t.Fatalf("maxBodyBytes = %d", loaded.Server.MaxBodyBytes)
	}
	if loaded.Pipeline.Dedup.SimilarityThreshold != 0.9 {
		t.Fatalf("similarityThreshold = %v", loaded.Pipeline.Dedup.SimilarityThreshold)
	}
	if loaded.Providers["sms"].Type != "twilio" {
		t.Fatalf("provider did not round-trip: %+v", loaded.Providers["sms"])
	}
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_COMMHUB_SMS_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "commhub.yml")
	content := `
general:
  logLevel: debug
store:
  dsn: memory
providers:
  sms:
    enabled: true
    type: twilio
    webhookUrl: https://hooks.example.com/webhooks/sms
    signature:
      kind: twilio
      secret: ${TEST_COMMHUB_SMS_SECRET}
pipeline:
  batchConcurrency: 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.LogLevel != "debug" {
		t.Fatalf("logLevel = %q", cfg.General.LogLevel)
	}
	if cfg.Pipeline.BatchConcurrency != 4 {
		t.Fatalf("batchConcurrency = %d", cfg.Pipeline.BatchConcurrency)
	}
	if cfg.Pipeline.StageTimeoutSeconds != 10 {
		t.Fatalf("unset fields keep defaults, got stageTimeout=%d", cfg.Pipeline.StageTimeoutSeconds)
	}
	if cfg.Providers["sms"].Signature.Secret != "from-env" {
		t.Fatalf("secret = %q", cfg.Providers["sms"].Signature.Secret)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COMMHUB_STORE_DSN", "postgres://commhub@db:5432/commhub")
	t.Setenv("COMMHUB_LOG_LEVEL", "warn")
	t.Setenv("COMMHUB_BATCH_CONCURRENCY", "32")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"store": {"dsn": "memory"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.DSN != "postgres://commhub@db:5432/commhub" {
		t.Fatalf("env should override the file, got %q", cfg.Store.DSN)
	}
	if cfg.General.LogLevel != "warn" || cfg.Pipeline.BatchConcurrency != 32 {
		t.Fatalf("unexpected overrides: %+v %+v", cfg.General, cfg.Pipeline)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("general: [unclosed"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "config.json")
	content := `{"pipeline": {"batchConcurrency": 0}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for batchConcurrency=0")
	}
}

func TestLoad_ExpandsHomeInDSN(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfgFile := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(cfgFile, []byte(`{"store": {"dsn": "~/data/commhub.db"}}`), 0o644)

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if want := filepath.Join(home, "data", "commhub.db"); cfg.Store.DSN != want {
		t.Fatalf("expected %q, got %q", want, cfg.Store.DSN)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "maintenance.archiveSchedule")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "0 3 * * *" {
		t.Fatalf("expected '0 3 * * *', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "store.dsn", "memory"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Store.DSN != "memory" {
		t.Fatalf("expected 'memory', got %q", cfg.Store.DSN)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "maintenance.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Maintenance.Enabled {
		t.Fatal("expected maintenance.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "pipeline.batchConcurrency", "16"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Pipeline.BatchConcurrency != 16 {
		t.Fatalf("expected 16, got %d", cfg.Pipeline.BatchConcurrency)
	}
}

func TestSetByPath_FloatConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "pipeline.dedup.similarityThreshold", "0.9"); err != nil {
		t.Fatalf("set float: %v", err)
	}
	if cfg.Pipeline.Dedup.SimilarityThreshold != 0.9 {
		t.Fatalf("expected 0.9, got %v", cfg.Pipeline.Dedup.SimilarityThreshold)
	}
}

func TestSetByPath_NewProvider(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "providers.inbox.type", "email"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Providers["inbox"].Type != "email" {
		t.Fatalf("expected provider to be created, got %+v", cfg.Providers)
	}
}

func TestSetByPath_StringFieldKeepsDigits(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.defaultCountryCode", "44"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.General.DefaultCountryCode != "44" {
		t.Fatalf("expected \"44\", got %q", cfg.General.DefaultCountryCode)
	}
}

func TestSetByPath_UnknownKey(t *testing.T) {
	cfg := Defaults()
	err := SetByPath(cfg, "pipeline.dedup.windowMins", "5")
	if err == nil || !strings.Contains(err.Error(), "unknown config key: pipeline.dedup.windowMins") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if err := SetByPath(cfg, "server.port.number", "1"); err == nil {
		t.Fatal("expected error traversing into a scalar")
	}
}

func TestSetByPath_BadValueLeavesConfigUnchanged(t *testing.T) {
	cfg := Defaults()
	port := cfg.Server.Port
	if err := SetByPath(cfg, "server.port", "eighty"); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
	if err := SetByPath(cfg, "maintenance.enabled", "maybe"); err == nil {
		t.Fatal("expected error for non-boolean value")
	}
	if cfg.Server.Port != port || !cfg.Maintenance.Enabled {
		t.Fatalf("config modified by failed set: %+v", cfg.Server)
	}
}

func TestSetByPath_ProviderObject(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "providers.chat", `{"enabled":true,"type":"slack","signature":{"kind":"slack","secret":"x"}}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if p := cfg.Providers["chat"]; !p.Enabled || p.Type != "slack" || p.Signature.Secret != "x" {
		t.Fatalf("unexpected provider %+v", p)
	}
	if err := SetByPath(cfg, "providers", "{}"); err == nil {
		t.Fatal("replacing the whole provider map should be refused")
	}
}

func TestPaths_DottedProviderID(t *testing.T) {
	cfg := Defaults()
	p := validProvider()
	p.Type = "email"
	cfg.Providers["mail.main"] = p

	val, err := GetByPath(cfg, "providers.mail.main.type")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "email" {
		t.Fatalf("expected email, got %v", val)
	}
	if err := SetByPath(cfg, "providers.mail.main.signature.secret", "12345"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Providers["mail.main"].Signature.Secret != "12345" {
		t.Fatalf("secret not set: %+v", cfg.Providers)
	}
	if _, ok := cfg.Providers["mail"]; ok {
		t.Fatal("dotted id must not be split into a new provider")
	}
}

func TestGetByPath_Providers(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["sms"] = ProviderConfig{Enabled: true, Type: "twilio"}

	val, err := GetByPath(cfg, "providers.sms.webhookUrl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "" {
		t.Fatalf("omitted optional field should read as empty, got %v", val)
	}
	val, err = GetByPath(cfg, "providers.sms.signature.toleranceSeconds")
	if err != nil || val != 0 {
		t.Fatalf("expected 0, got %v (%v)", val, err)
	}

	_, err = GetByPath(cfg, "providers.wa.type")
	if err == nil || !strings.Contains(err.Error(), `provider "wa" is not configured`) {
		t.Fatalf("expected unconfigured provider error, got %v", err)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	p := validProvider()
	p.Signature.Secret = "twilio-auth-token-1234567890"
	p.BotToken = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Providers["sms"] = p

	sanitized := Sanitize(cfg)

	if sanitized.Providers["sms"].Signature.Secret == p.Signature.Secret {
		t.Fatal("signature secret should be masked")
	}
	if sanitized.Providers["sms"].BotToken != "1234****wxyz" {
		t.Fatalf("bot token should be masked, got %q", sanitized.Providers["sms"].BotToken)
	}
	// Verify original is untouched
	if cfg.Providers["sms"].Signature.Secret != "twilio-auth-token-1234567890" {
		t.Fatal("original config should not be modified")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	p := validProvider()
	p.VerifyToken = "short"
	cfg.Providers["wa"] = p
	sanitized := Sanitize(cfg)
	if sanitized.Providers["wa"].VerifyToken != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Providers["wa"].VerifyToken)
	}
}

func TestSanitize_RedactsDSNPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Store.DSN = "postgres://commhub:hunter2@db:5432/commhub"
	sanitized := Sanitize(cfg)
	if strings.Contains(sanitized.Store.DSN, "hunter2") {
		t.Fatalf("password leaked: %q", sanitized.Store.DSN)
	}
	if !strings.HasPrefix(sanitized.Store.DSN, "postgres://commhub:") {
		t.Fatalf("unexpected DSN %q", sanitized.Store.DSN)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	cfg := Defaults()
	paths := ListPaths(cfg)
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}

	for _, expected := range []string{"store.dsn", "general.logLevel", "pipeline.dedup.windowMinutes"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

func TestListPaths_ProviderOptionalKeys(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["tg"] = ProviderConfig{Enabled: true, Type: "telegram"}
	paths := ListPaths(cfg)

	for path, want := range map[string]any{
		"providers.tg.type":                       "telegram",
		"providers.tg.botToken":                   "",
		"providers.tg.signature.toleranceSeconds": 0,
	} {
		got, ok := paths[path]
		if !ok {
			t.Errorf("missing path %s", path)
			continue
		}
		if got != want {
			t.Errorf("%s = %v (%T), want %v", path, got, got, want)
		}
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_SECRET", "sk-abc123")
	result := ExpandEnvVars(`{"secret": "${TEST_SECRET}"}`)
	expected := `{"secret": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

func TestParseLevel(t *testing.T) {
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error")
	}
	lvl, err := ParseLevel("WARN")
	if err != nil || lvl.String() != "WARN" {
		t.Fatalf("got %v, %v", lvl, err)
	}
}
