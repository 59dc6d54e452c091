package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// paths
	DownloadDir string `yaml:"download_dir"`
	ScratchDir  string `yaml:"scratch_dir"`
	StoreDir    string `yaml:"store_dir"`
	StatePath   string `yaml:"state_path"`

	// catalog
	CatalogURLTemplate string `yaml:"catalog_url_template"`
	StartMonth         string `yaml:"start_month"`
	ForceMonth         string `yaml:"force_month"`

	// which tables to process
	LoadEmpresas         bool `yaml:"load_empresas"`
	LoadEstabelecimentos bool `yaml:"load_estabelecimentos"`
	LoadSocios           bool `yaml:"load_socios"`
	LoadSimples          bool `yaml:"load_simples"`
	LoadCnaes            bool `yaml:"load_cnaes"`
	LoadMotivos          bool `yaml:"load_motivos"`
	LoadMunicipios       bool `yaml:"load_municipios"`
	LoadNaturezas        bool `yaml:"load_naturezas"`
	LoadPaises           bool `yaml:"load_paises"`
	LoadQualificacoes    bool `yaml:"load_qualificacoes"`

	// parallelism and conversion tuning
	DownloadWorkers       int     `yaml:"download_workers"`
	ExtractWorkers        int     `yaml:"extract_workers"`
	TableWorkers          int     `yaml:"table_workers"`
	MaxRetries            int     `yaml:"max_retries"`
	BatchSize             int     `yaml:"batch_size"`
	MalformedRowThreshold float64 `yaml:"malformed_row_threshold"`

	VerifyTables bool `yaml:"verify_tables"`
	KeepScratch  bool `yaml:"keep_scratch"`

	// email
	SMTPHost           string `yaml:"smtp_host"`
	SMTPPort           int    `yaml:"smtp_port"`
	SMTPUser           string `yaml:"smtp_user"`
	SMTPPass           string `yaml:"smtp_pass"`
	MailTo             string `yaml:"mail_to"`
	MailNotifyUpToDate bool   `yaml:"mail_notify_uptodate"`

	LogLevel string `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		DownloadDir: "./data/zips",
		ScratchDir:  "./data/scratch",
		StoreDir:    "./data/store",
		StatePath:   "./data/state/pipeline.duckdb",

		CatalogURLTemplate: "https://arquivos.receitafederal.gov.br/dados/cnpj/dados_abertos_cnpj/%s/",

		LoadEmpresas:         true,
		LoadEstabelecimentos: true,
		LoadSocios:           true,
		LoadSimples:          true,
		LoadCnaes:            true,
		LoadMotivos:          true,
		LoadMunicipios:       true,
		LoadNaturezas:        true,
		LoadPaises:           true,
		LoadQualificacoes:    true,

		DownloadWorkers:       4,
		ExtractWorkers:        2,
		TableWorkers:          2,
		MaxRetries:            3,
		BatchSize:             50_000,
		MalformedRowThreshold: 0.02,

		VerifyTables: true,
		KeepScratch:  false,

		SMTPHost: "smtp.gmail.com",
		SMTPPort: 587,

		LogLevel: "info",
	}
}

// Load builds the configuration in three layers: built-in defaults, then the
// optional YAML file named by CONFIG_FILE, then environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("CONFIG_FILE %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if !strings.Contains(cfg.CatalogURLTemplate, "%s") {
		return Config{}, fmt.Errorf("CATALOG_URL_TEMPLATE must contain a %%s month placeholder")
	}
	if cfg.MalformedRowThreshold < 0 || cfg.MalformedRowThreshold > 1 {
		return Config{}, fmt.Errorf("MALFORMED_ROW_THRESHOLD must be within [0,1], got %v", cfg.MalformedRowThreshold)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DownloadDir = getenv("DOWNLOAD_DIR", cfg.DownloadDir)
	cfg.ScratchDir = getenv("SCRATCH_DIR", cfg.ScratchDir)
	cfg.StoreDir = getenv("STORE_DIR", cfg.StoreDir)
	cfg.StatePath = getenv("STATE_PATH", cfg.StatePath)

	cfg.CatalogURLTemplate = getenv("CATALOG_URL_TEMPLATE", cfg.CatalogURLTemplate)
	cfg.StartMonth = getenv("START_MONTH", cfg.StartMonth)
	cfg.ForceMonth = getenv("FORCE_MONTH", cfg.ForceMonth)

	cfg.LoadEmpresas = getenvBool("LOAD_EMPRESAS", cfg.LoadEmpresas)
	cfg.LoadEstabelecimentos = getenvBool("LOAD_ESTABELECIMENTOS", cfg.LoadEstabelecimentos)
	cfg.LoadSocios = getenvBool("LOAD_SOCIOS", cfg.LoadSocios)
	cfg.LoadSimples = getenvBool("LOAD_SIMPLES", cfg.LoadSimples)
	cfg.LoadCnaes = getenvBool("LOAD_CNAES", cfg.LoadCnaes)
	cfg.LoadMotivos = getenvBool("LOAD_MOTIVOS", cfg.LoadMotivos)
	cfg.LoadMunicipios = getenvBool("LOAD_MUNICIPIOS", cfg.LoadMunicipios)
	cfg.LoadNaturezas = getenvBool("LOAD_NATUREZAS", cfg.LoadNaturezas)
	cfg.LoadPaises = getenvBool("LOAD_PAISES", cfg.LoadPaises)
	cfg.LoadQualificacoes = getenvBool("LOAD_QUALIFICACOES", cfg.LoadQualificacoes)

	cfg.DownloadWorkers = getenvInt("DOWNLOAD_WORKERS", cfg.DownloadWorkers)
	cfg.ExtractWorkers = getenvInt("EXTRACT_WORKERS", cfg.ExtractWorkers)
	cfg.TableWorkers = getenvInt("TABLE_WORKERS", cfg.TableWorkers)
	cfg.MaxRetries = getenvInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.BatchSize = getenvInt("BATCH_SIZE", cfg.BatchSize)
	cfg.MalformedRowThreshold = getenvFloat("MALFORMED_ROW_THRESHOLD", cfg.MalformedRowThreshold)

	cfg.VerifyTables = getenvBool("VERIFY_TABLES", cfg.VerifyTables)
	cfg.KeepScratch = getenvBool("KEEP_SCRATCH", cfg.KeepScratch)

	cfg.SMTPHost = getenv("SMTP_HOST", cfg.SMTPHost)
	cfg.SMTPPort = getenvInt("SMTP_PORT", cfg.SMTPPort)
	cfg.SMTPUser = getenv("SMTP_USER", cfg.SMTPUser)
	cfg.SMTPPass = getenv("SMTP_PASS", cfg.SMTPPass)
	cfg.MailTo = getenv("MAIL_TO", cfg.MailTo)
	cfg.MailNotifyUpToDate = getenvBool("MAIL_NOTIFY_UPTODATE", cfg.MailNotifyUpToDate)

	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
}

// EnabledTables maps each logical table name to its load flag.
func (c Config) EnabledTables() map[string]bool {
	return map[string]bool{
		"empresas":         c.LoadEmpresas,
		"estabelecimentos": c.LoadEstabelecimentos,
		"socios":           c.LoadSocios,
		"simples":          c.LoadSimples,
		"cnaes":            c.LoadCnaes,
		"motivos":          c.LoadMotivos,
		"municipios":       c.LoadMunicipios,
		"naturezas":        c.LoadNaturezas,
		"paises":           c.LoadPaises,
		"qualificacoes":    c.LoadQualificacoes,
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBool(k string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
