package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FiGuidastri/dw-receita-federal/internal/catalog"
	"github.com/FiGuidastri/dw-receita-federal/internal/config"
	"github.com/FiGuidastri/dw-receita-federal/internal/convert"
	"github.com/FiGuidastri/dw-receita-federal/internal/db"
	"github.com/FiGuidastri/dw-receita-federal/internal/email"
	"github.com/FiGuidastri/dw-receita-federal/internal/extract"
	"github.com/FiGuidastri/dw-receita-federal/internal/fetch"
	"github.com/FiGuidastri/dw-receita-federal/internal/state"
	"github.com/FiGuidastri/dw-receita-federal/internal/store"
	"github.com/FiGuidastri/dw-receita-federal/internal/tables"
	"github.com/FiGuidastri/dw-receita-federal/internal/timeutil"
)

const producerName = "dw-receita"

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// ErrDeadTable is returned when an enabled table had shards to convert and
// none survived. The run still publishes the healthy tables first.
var ErrDeadTable = errors.New("tabela sem nenhum shard convertido")

type tableReport struct {
	ShardsAttempted  int
	ShardsSucceeded  int
	ShardsFailed     int
	RowsWritten      int64
	RowsMalformed    int64
	RowsDeduplicated int64
	Published        bool
}

type report struct {
	Month      timeutil.YearMonth
	CatalogURL string
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Downloaded int
	Skipped    int
	Extracted  int
	Tables     map[string]*tableReport
	Errors     []string
}

func Run(ctx context.Context, cfg config.Config) error {
	start := time.Now()
	runID := uuid.NewString()
	slog.Info("pipeline started",
		"run_id", runID,
		"start_month", cfg.StartMonth,
		"force_month", cfg.ForceMonth,
		"download_dir", cfg.DownloadDir,
		"scratch_dir", cfg.ScratchDir,
		"store_dir", cfg.StoreDir,
	)

	for _, dir := range []string{cfg.DownloadDir, cfg.ScratchDir, cfg.StoreDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	sqlDB, err := db.OpenSQL(ctx, cfg.StatePath)
	if err != nil {
		return fmt.Errorf("abrindo banco de estado: %w", err)
	}
	defer sqlDB.Close()

	st := state.NewRunState(sqlDB)
	if err := st.Ensure(ctx); err != nil {
		return err
	}
	_ = st.Set(ctx, "last_run_id", runID)

	month, archives, upToDate, err := resolveCatalog(ctx, cfg, st)
	if err != nil {
		return err
	}
	catalogURL := fmt.Sprintf(cfg.CatalogURLTemplate, month.String())

	if upToDate {
		msg := fmt.Sprintf("Já atualizado. Próximo mês (%s) ainda não disponível.", month.HumanPTBR())
		slog.Info("up-to-date", "month", month.String())
		if cfg.MailNotifyUpToDate && email.Enabled(smtpCfg(cfg)) {
			_ = email.Send(smtpCfg(cfg),
				"DW Receita Federal - Atualizado ("+month.String()+")", msg)
		}
		return nil
	}

	rep := &report{
		Month:      month,
		CatalogURL: catalogURL,
		RunID:      runID,
		StartedAt:  start,
		Tables:     map[string]*tableReport{},
	}

	wanted := filterEnabled(archives, cfg.EnabledTables())
	slog.Info("archives resolved", "month", month.String(), "listed", len(archives), "wanted", len(wanted))

	wantedTables := map[string]int{}
	for _, a := range wanted {
		wantedTables[a.Table]++
	}

	// download
	down := fetch.NewDownloader(cfg.DownloadDir, cfg.DownloadWorkers, cfg.MaxRetries)
	fetched := down.FetchAll(ctx, wanted)

	var zipPaths []string
	for _, r := range fetched {
		if r.Err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("download %s: %v", r.Archive.Name, r.Err))
			_ = st.RecordArchive(ctx, r.Archive.Name, r.Archive.Table, 0, false, r.Err.Error())
			continue
		}
		rep.Downloaded++
		if r.Skipped {
			rep.Skipped++
		}
		zipPaths = append(zipPaths, r.Path)
		_ = st.RecordArchive(ctx, r.Archive.Name, r.Archive.Table, r.Bytes, true, "")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Info("download stage finished", "downloaded", rep.Downloaded, "skipped", rep.Skipped, "failed", len(wanted)-rep.Downloaded)

	// extract
	scratchMonth := filepath.Join(cfg.ScratchDir, month.String())
	ext := extract.NewExtractor(cfg.ExtractWorkers)
	extracted, err := ext.ExtractAll(ctx, zipPaths, scratchMonth)
	if err != nil {
		return err
	}

	partsByTable := map[string][]string{}
	for _, er := range extracted {
		name := filepath.Base(er.Archive)
		if er.Err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("extração %s: %v", name, er.Err))
			_ = st.MarkExtracted(ctx, name, false, er.Err.Error())
			continue
		}
		rep.Extracted++
		_ = st.MarkExtracted(ctx, name, true, "")
		for _, p := range er.Parts {
			spec, ok := tables.Classify(filepath.Base(p))
			if !ok {
				slog.Warn("part matches no table", "part", filepath.Base(p))
				continue
			}
			partsByTable[spec.Name] = append(partsByTable[spec.Name], p)
		}
	}
	for _, parts := range partsByTable {
		sort.Strings(parts)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// convert + publish
	ts := store.New(cfg.StoreDir, store.ProducerInfo{Name: producerName, Version: Version, RunID: runID})
	convertAndPublish(ctx, cfg, st, ts, month, partsByTable, rep)

	// verify published tables through the reader's access path
	var verifyErrs []string
	if cfg.VerifyTables {
		ver := store.NewVerifier(ts)
		for _, name := range sortedTableNames(rep) {
			if !rep.Tables[name].Published {
				continue
			}
			if _, err := ver.VerifyTable(ctx, name); err != nil {
				verifyErrs = append(verifyErrs, err.Error())
				rep.Errors = append(rep.Errors, err.Error())
			}
		}
	}

	dead := deadTables(rep, wantedTables)

	if len(dead) == 0 && len(verifyErrs) == 0 {
		_ = st.Set(ctx, "published_month", month.String())
		_ = st.Set(ctx, "published_url", catalogURL)
		if !cfg.KeepScratch {
			_ = os.RemoveAll(scratchMonth)
		}
	}

	rep.FinishedAt = time.Now()

	if email.Enabled(smtpCfg(cfg)) {
		subject := fmt.Sprintf("DW Receita Federal finalizado - %s", month.String())
		_ = email.Send(smtpCfg(cfg), subject, formatReport(*rep))
	}

	slog.Info("pipeline finished",
		"month", month.String(),
		"duration", time.Since(start).String(),
		"tables_published", publishedCount(rep),
		"dead_tables", len(dead),
	)

	if len(dead) > 0 {
		return fmt.Errorf("%w: %s", ErrDeadTable, strings.Join(dead, ", "))
	}
	if len(verifyErrs) > 0 {
		return fmt.Errorf("verificação falhou: %s", strings.Join(verifyErrs, "; "))
	}
	return nil
}

// monthState is the slice of RunState month resolution reads from.
type monthState interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// resolveCatalog decides which release month to process and lists its
// archives. FORCE_MONTH pins the month and any failure there is fatal. In
// the normal path the month after the last published one is tried; a
// catalog that is not there yet means the store is up to date.
func resolveCatalog(ctx context.Context, cfg config.Config, st monthState) (timeutil.YearMonth, []catalog.Archive, bool, error) {
	client := catalog.NewClient()

	if strings.TrimSpace(cfg.ForceMonth) != "" {
		ym, err := timeutil.ParseYearMonth(cfg.ForceMonth)
		if err != nil {
			return timeutil.YearMonth{}, nil, false, fmt.Errorf("FORCE_MONTH inválido: %w", err)
		}
		archives, err := client.Resolve(ctx, fmt.Sprintf(cfg.CatalogURLTemplate, ym.String()))
		if err != nil {
			return ym, nil, false, fmt.Errorf("FORCE_MONTH não disponível: %w", err)
		}
		return ym, archives, false, nil
	}

	lastStr, ok, err := st.Get(ctx, "published_month")
	if err != nil {
		return timeutil.YearMonth{}, nil, false, err
	}

	var target timeutil.YearMonth
	if ok {
		last, err := timeutil.ParseYearMonth(lastStr)
		if err != nil {
			return timeutil.YearMonth{}, nil, false, fmt.Errorf("published_month inválido no estado: %w", err)
		}
		target = last.Next()
	} else {
		if strings.TrimSpace(cfg.StartMonth) == "" {
			return timeutil.YearMonth{}, nil, false,
				fmt.Errorf("primeira execução: START_MONTH é obrigatório (não existe published_month no estado)")
		}
		target, err = timeutil.ParseYearMonth(cfg.StartMonth)
		if err != nil {
			return timeutil.YearMonth{}, nil, false, fmt.Errorf("START_MONTH inválido: %w", err)
		}
	}

	archives, err := client.Resolve(ctx, fmt.Sprintf(cfg.CatalogURLTemplate, target.String()))
	if err != nil {
		if errors.Is(err, catalog.ErrUnavailable) {
			return target, nil, true, nil
		}
		return target, nil, false, err
	}
	return target, archives, false, nil
}

func filterEnabled(archives []catalog.Archive, enabled map[string]bool) []catalog.Archive {
	out := make([]catalog.Archive, 0, len(archives))
	for _, a := range archives {
		if enabled[a.Table] {
			out = append(out, a)
		}
	}
	return out
}

// convertAndPublish runs the per-table conversion pool. Tables convert in
// parallel; shards within a table run sequentially so the table's dedup key
// set needs no locking.
func convertAndPublish(ctx context.Context, cfg config.Config, st *state.RunState, ts *store.TableStore, month timeutil.YearMonth, partsByTable map[string][]string, rep *report) {
	names := make([]string, 0, len(partsByTable))
	for name := range partsByTable {
		names = append(names, name)
	}
	sort.Strings(names)

	sem := make(chan struct{}, cfg.TableWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, name := range names {
		name, parts := name, partsByTable[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			tr := &tableReport{}
			var tableErrs []string

			spec, ok := tables.ByName(name)
			if !ok {
				return
			}

			staging, err := ts.StagingDir(name)
			if err != nil {
				tableErrs = append(tableErrs, fmt.Sprintf("staging %s: %v", name, err))
			} else {
				eng := convert.NewEngine(cfg.BatchSize, cfg.MalformedRowThreshold)
				res, err := eng.ConvertTable(ctx, spec, parts, staging)
				if err != nil {
					tableErrs = append(tableErrs, fmt.Sprintf("conversão %s: %v", name, err))
				} else {
					var staged []store.StagedPart
					for _, sr := range res.Shards {
						tr.ShardsAttempted++
						status := state.ShardConverted
						if sr.Resumed {
							status = state.ShardResumed
						}
						errMsg := ""
						if sr.Err != nil {
							status = state.ShardExcluded
							errMsg = sr.Err.Error()
							tr.ShardsFailed++
							tableErrs = append(tableErrs, fmt.Sprintf("shard %s: %v", filepath.Base(sr.Shard), sr.Err))
						} else {
							tr.ShardsSucceeded++
							tr.RowsWritten += sr.Rows
							tr.RowsMalformed += sr.Malformed
							tr.RowsDeduplicated += sr.Duplicates
							staged = append(staged, store.StagedPart{Path: sr.Part, Rows: sr.Rows})
						}
						_ = st.RecordShard(ctx, filepath.Base(sr.Shard), name,
							sr.Rows, sr.Malformed, sr.Duplicates, status, errMsg)
					}

					if len(staged) > 0 {
						if _, err := ts.Publish(name, month.String(), spec.ColumnNames(), staged); err != nil {
							tableErrs = append(tableErrs, fmt.Sprintf("publicação %s: %v", name, err))
						} else {
							tr.Published = true
						}
					} else {
						_ = ts.DiscardStaging(name)
					}
				}
			}

			mu.Lock()
			rep.Tables[name] = tr
			rep.Errors = append(rep.Errors, tableErrs...)
			mu.Unlock()
		}()
	}

	wg.Wait()
}

// deadTables lists enabled tables that had archives in the catalog and
// published nothing, including tables that never reached conversion because
// every archive failed to download or extract.
func deadTables(rep *report, wantedTables map[string]int) []string {
	names := make([]string, 0, len(wantedTables))
	for name := range wantedTables {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		if wantedTables[name] == 0 {
			continue
		}
		tr, ok := rep.Tables[name]
		if !ok || !tr.Published {
			out = append(out, name)
		}
	}
	return out
}

func publishedCount(rep *report) int {
	n := 0
	for _, tr := range rep.Tables {
		if tr.Published {
			n++
		}
	}
	return n
}

func sortedTableNames(rep *report) []string {
	names := make([]string, 0, len(rep.Tables))
	for name := range rep.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func smtpCfg(cfg config.Config) email.SMTPConfig {
	return email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		To:   cfg.MailTo,
	}
}

func formatReport(rep report) string {
	dur := rep.FinishedAt.Sub(rep.StartedAt)
	sb := strings.Builder{}
	sb.WriteString("DW Receita Federal - Finalizado\n")
	sb.WriteString("Mês: " + rep.Month.HumanPTBR() + " (" + rep.Month.String() + ")\n")
	sb.WriteString("URL: " + rep.CatalogURL + "\n")
	sb.WriteString("Execução: " + rep.RunID + "\n")
	sb.WriteString("Início: " + rep.StartedAt.Format(time.RFC3339) + "\n")
	sb.WriteString("Fim: " + rep.FinishedAt.Format(time.RFC3339) + "\n")
	sb.WriteString(fmt.Sprintf("Duração: %s\n", dur))
	sb.WriteString(fmt.Sprintf("Arquivos baixados: %d (já presentes: %d)\n", rep.Downloaded, rep.Skipped))
	sb.WriteString(fmt.Sprintf("Arquivos extraídos: %d\n", rep.Extracted))

	sb.WriteString("\nTabelas:\n")
	for _, name := range sortedTableNames(&rep) {
		tr := rep.Tables[name]
		line := fmt.Sprintf("- %s: %d/%d shards, %d linhas (descartadas: %d, duplicadas: %d)",
			name, tr.ShardsSucceeded, tr.ShardsAttempted, tr.RowsWritten, tr.RowsMalformed, tr.RowsDeduplicated)
		if !tr.Published {
			line += " [NÃO PUBLICADA]"
		}
		sb.WriteString(line + "\n")
	}

	if len(rep.Errors) > 0 {
		sb.WriteString("\nErros:\n")
		for _, e := range rep.Errors {
			sb.WriteString("- " + e + "\n")
		}
	}
	return sb.String()
}
