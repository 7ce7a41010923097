package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/shenlunapp/shenlun-cli/internal/analytics"
	"github.com/shenlunapp/shenlun-cli/internal/api"
	"github.com/shenlunapp/shenlun-cli/internal/cache"
	"github.com/shenlunapp/shenlun-cli/internal/grading"
	"github.com/shenlunapp/shenlun-cli/internal/history"
	"github.com/shenlunapp/shenlun-cli/internal/model"
	"github.com/shenlunapp/shenlun-cli/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shenlun",
		Short: "Browse shenlun exam papers and get AI-graded feedback",
	}
	root.AddCommand(listCmd(), paperCmd(), gradeCmd(), historyCmd(), logoutCmd())
	return root
}

// addCommonFlags registers the flags every subcommand shares.
func addCommonFlags(f *pflag.FlagSet) {
	f.String("api-url", api.DefaultBaseURL, "Grading backend base URL")
	f.String("db", "shenlun.db", "SQLite cache/history database path")
	f.Duration("timeout", 60*time.Second, "Backend request timeout")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available exam papers",
		RunE:  runList,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.StringP("type", "t", "", "Filter by exam type (公务员, 事业单位)")
	f.StringP("region", "r", "", "Filter by region")
	return cmd
}

func paperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paper <paper-id>",
		Short: "Show the materials and questions of a paper",
		Args:  cobra.ExactArgs(1),
		RunE:  runPaper,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.StringSlice("prefetch", nil, "Additionally warm the cache for these paper ids")
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade <paper-id> <question-id>",
		Short: "Submit an answer for AI grading",
		Args:  cobra.ExactArgs(2),
		RunE:  runGrade,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.String("text", "", "Answer text")
	f.String("file", "", "Read answer text from file (- for stdin)")
	f.StringSlice("image", nil, "Answer image file (repeatable)")
	f.BoolP("yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past grading reports",
		RunE:  runHistory,
	}
	addCommonFlags(cmd.Flags())

	show := &cobra.Command{
		Use:   "show <number>",
		Short: "Show one past grading report in full",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}
	addCommonFlags(show.Flags())

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Delete all past grading reports",
		RunE:  runHistoryClear,
	}
	addCommonFlags(clear.Flags())

	cmd.AddCommand(show, clear)
	return cmd
}

func logoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Clear the local grading history",
		RunE:  runLogout,
	}
	addCommonFlags(cmd.Flags())
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SHENLUN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("shenlun")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/shenlun")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// services wires the core components for one command invocation.
type services struct {
	kv      store.KV
	client  *api.Client
	tracker analytics.Tracker
	history *history.Store

	listingUpdated chan []model.PaperSummary
	listingFailed  chan error
	cache          *cache.PaperCache
	prefetcher     *cache.Prefetcher
	orchestrator   *grading.Orchestrator
}

func openServices(v *viper.Viper) (*services, error) {
	kv, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &services{
		kv:             kv,
		client:         api.New(v.GetString("api-url"), v.GetDuration("timeout")),
		tracker:        analytics.NewLogTracker(nil),
		listingUpdated: make(chan []model.PaperSummary, 1),
		listingFailed:  make(chan error, 1),
	}
	s.history = history.New(kv, model.GuestUser())
	s.cache = cache.New(s.client, kv, cache.Options{
		OnListingUpdate: func(papers []model.PaperSummary) { s.listingUpdated <- papers },
		OnListingError:  func(err error) { s.listingFailed <- err },
		Tracker:         s.tracker,
	})
	s.prefetcher = cache.NewPrefetcher(s.cache)
	s.orchestrator = grading.New(s.client, s.history, s.tracker)
	return s, nil
}

func (s *services) Close() error {
	return s.kv.Close()
}

// freshListing returns the cached listing and waits for the background
// refresh to settle, preferring fresh data. A refresh failure with a
// non-empty cached listing degrades to the stale data with a warning.
func (s *services) freshListing(ctx context.Context) ([]model.PaperSummary, error) {
	cached := s.cache.Listing(ctx)
	select {
	case papers := <-s.listingUpdated:
		return papers, nil
	case err := <-s.listingFailed:
		if len(cached) > 0 {
			slog.Warn("listing refresh failed, showing cached data", "error", err)
			return cached, nil
		}
		return nil, err
	case <-ctx.Done():
		if len(cached) > 0 {
			return cached, nil
		}
		return nil, ctx.Err()
	}
}

func runList(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	svc, err := openServices(v)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
	defer cancel()

	papers, err := svc.freshListing(ctx)
	if err != nil {
		return fmt.Errorf("load paper listing: %w", err)
	}

	examType := v.GetString("type")
	region := v.GetString("region")
	var filtered []model.PaperSummary
	for _, p := range papers {
		if examType != "" && p.ExamType != examType {
			continue
		}
		if region != "" && p.Region != region {
			continue
		}
		filtered = append(filtered, p)
	}

	sortPapers(filtered)

	w := cmd.OutOrStdout()
	if len(filtered) == 0 {
		fmt.Fprintln(w, "暂无匹配试卷")
		return nil
	}
	for _, p := range filtered {
		fmt.Fprintf(w, "%-28s  %s  %s  %d  %s\n", p.ID, p.ExamType, p.Region, p.Year, p.Name)
	}
	return nil
}

// sortPapers orders papers the way the listing page does: "全国" pinned
// first, remaining regions in Chinese collation order, newest year first
// within a region.
func sortPapers(papers []model.PaperSummary) {
	coll := collate.New(language.Chinese)
	regionRank := func(r string) int {
		if r == "全国" || r == "国考" {
			return 0
		}
		return 1
	}
	sort.SliceStable(papers, func(i, j int) bool {
		a, b := papers[i], papers[j]
		if ra, rb := regionRank(a.Region), regionRank(b.Region); ra != rb {
			return ra < rb
		}
		if a.Region != b.Region {
			return coll.CompareString(a.Region, b.Region) < 0
		}
		if a.Year != b.Year {
			return a.Year > b.Year
		}
		return coll.CompareString(a.Name, b.Name) < 0
	})
}

func runPaper(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	svc, err := openServices(v)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
	defer cancel()

	for _, id := range v.GetStringSlice("prefetch") {
		svc.prefetcher.Prefetch(ctx, id)
	}

	detail, err := svc.cache.GetDetail(ctx, args[0])
	if err != nil {
		if errors.Is(err, api.ErrNotFound) {
			return fmt.Errorf("试卷不存在: %s", args[0])
		}
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s（%s · %s · %d）\n\n", detail.Name, detail.ExamType, detail.Region, detail.Year)
	for _, m := range detail.Materials {
		fmt.Fprintf(w, "## %s\n%s\n\n", m.Title, m.Content)
	}
	for _, q := range detail.Questions {
		fmt.Fprintf(w, "[%s] %s\n%s\n（满分 %d 分，限 %d 字）\n\n",
			q.ID, q.Title, q.Requirements, q.MaxScore, q.WordLimit)
	}

	svc.prefetcher.Wait()
	return nil
}

func runGrade(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	svc, err := openServices(v)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
	defer cancel()

	paperID, questionID := args[0], args[1]
	detail, err := svc.cache.GetDetail(ctx, paperID)
	if err != nil {
		return fmt.Errorf("load paper: %w", err)
	}

	var question *model.Question
	for i := range detail.Questions {
		if detail.Questions[i].ID == questionID {
			question = &detail.Questions[i]
			break
		}
	}
	if question == nil {
		return fmt.Errorf("试卷 %s 中没有题目 %s", paperID, questionID)
	}

	answerText, err := readAnswerText(v, cmd.InOrStdin())
	if err != nil {
		return err
	}
	images, err := readAnswerImages(v.GetStringSlice("image"))
	if err != nil {
		return err
	}

	if err := svc.orchestrator.Begin(detail, *question, answerText, images); err != nil {
		if errors.Is(err, grading.ErrEmptyAnswer) {
			return errors.New("请先填写作答内容或提供答案图片")
		}
		return err
	}

	if !v.GetBool("yes") && !confirmPrompt(cmd, *question) {
		svc.orchestrator.Cancel()
		fmt.Fprintln(cmd.OutOrStdout(), "已取消")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "AI 正在批改，请稍候...")
	rec, err := svc.orchestrator.Confirm(ctx)
	if err != nil {
		if errors.Is(err, grading.ErrEmptyGradingContent) {
			return errors.New("服务繁忙，请稍后重试")
		}
		return err
	}

	printReport(cmd.OutOrStdout(), *rec)
	return nil
}

func readAnswerText(v *viper.Viper, stdin io.Reader) (string, error) {
	if text := v.GetString("text"); text != "" {
		return text, nil
	}
	path := v.GetString("file")
	if path == "" {
		return "", nil
	}
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read answer from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read answer file: %w", err)
	}
	return string(data), nil
}

// readAnswerImages loads image files as data URLs, which is the payload
// shape the backend expects for answer_images.
func readAnswerImages(paths []string) ([]string, error) {
	var images []string
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read image %s: %w", path, err)
		}
		mime := "image/jpeg"
		switch strings.ToLower(filepath.Ext(path)) {
		case ".png":
			mime = "image/png"
		case ".webp":
			mime = "image/webp"
		}
		images = append(images, "data:"+mime+";base64,"+base64.StdEncoding.EncodeToString(data))
	}
	return images, nil
}

func confirmPrompt(cmd *cobra.Command, q model.Question) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "即将提交批改：%s（满分 %d 分）\n确认提交？[y/N] ", q.Title, q.MaxScore)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printReport(w io.Writer, rec model.HistoryRecord) {
	r := rec.Result
	fmt.Fprintf(w, "\n得分：%.1f / %.1f\n", r.Score, r.MaxScore)
	fmt.Fprintf(w, "要点 %.0f · 逻辑 %.0f · 语言 %.0f · 格式 %.0f\n",
		r.RadarData.Points, r.RadarData.Logic, r.RadarData.Language, r.RadarData.Format)
	if r.OverallEvaluation != "" {
		fmt.Fprintf(w, "\n总评：\n%s\n", r.OverallEvaluation)
	}
	for _, c := range r.DetailedComments {
		marker := "−"
		if c.Type == model.CommentPositive {
			marker = "+"
		}
		fmt.Fprintf(w, "\n[%s] %s\n    %s\n", marker, c.OriginalText, c.Comment)
	}
	if r.ModelRawOutput != "" {
		fmt.Fprintf(w, "\n%s\n", r.ModelRawOutput)
	} else if r.ModelAnswer != "" {
		fmt.Fprintf(w, "\n参考答案：\n%s\n", r.ModelAnswer)
	}
}

func runHistory(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	svc, err := openServices(v)
	if err != nil {
		return err
	}
	defer svc.Close()

	records := svc.history.All()
	w := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(w, "暂无批改记录")
		return nil
	}
	for i, rec := range records {
		ts := time.UnixMilli(rec.Timestamp).Format("2006-01-02 15:04")
		fmt.Fprintf(w, "%2d  %s  %5.1f 分  %s — %s\n", i+1, ts, rec.Score, rec.PaperName, rec.QuestionTitle)
	}
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	svc, err := openServices(v)
	if err != nil {
		return err
	}
	defer svc.Close()

	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return fmt.Errorf("invalid record number: %s", args[0])
	}
	records := svc.history.All()
	if n > len(records) {
		return fmt.Errorf("record %d does not exist (have %d)", n, len(records))
	}
	rec := records[n-1]
	fmt.Fprintf(cmd.OutOrStdout(), "%s — %s\n", rec.PaperName, rec.QuestionTitle)
	printReport(cmd.OutOrStdout(), rec)
	return nil
}

func runHistoryClear(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	svc, err := openServices(v)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.history.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "批改记录已清空")
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	svc, err := openServices(v)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.history.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "已退出登录，本地批改记录已清空")
	return nil
}
