package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	indexFull        bool
	indexIncremental bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Reindex the project",
	Long: `Trigger a reindex on the running daemon.

By default only changed files are reprocessed. With --full the code
collection is dropped and rebuilt from scratch.`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

var searchLimit int
var searchType string

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search code, memories and plans",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var (
	rememberType       string
	rememberTags       []string
	rememberImportance string
)

var rememberCmd = &cobra.Command{
	Use:   "remember <text>",
	Short: "Store a memory",
	Long: `Store an observation directly. It becomes searchable once the
daemon's background pass embeds it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemember,
}

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded agent sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var backupCmd = &cobra.Command{
	Use:   "backup [file]",
	Short: "Export the activity database",
	Long:  `Export the activity database as SQL to the named file, or stdout with no argument.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Import an activity database backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

func init() {
	indexCmd.Flags().BoolVar(&indexFull, "full", false, "drop and rebuild the code collection")
	indexCmd.Flags().BoolVar(&indexIncremental, "incremental", false, "only reprocess changed files (the default)")
	indexCmd.MarkFlagsMutuallyExclusive("full", "incremental")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "l", 10, "maximum results")
	searchCmd.Flags().StringVarP(&searchType, "type", "t", "all", "search type: code, memory, plan or all")
	rememberCmd.Flags().StringVarP(&rememberType, "type", "t", "", "observation type (decision, gotcha, pattern, ...)")
	rememberCmd.Flags().StringSliceVar(&rememberTags, "tags", nil, "comma-separated tags")
	rememberCmd.Flags().StringVar(&rememberImportance, "importance", "", "importance: low, medium or high")
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "l", 20, "maximum sessions")
}

// connect resolves config and the running daemon in one step.
func connect() (*client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return daemonClient(cfg)
}

func runIndex(cmd *cobra.Command, _ []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	var res struct {
		FilesIndexed  int `json:"files_indexed"`
		FilesSkipped  int `json:"files_skipped"`
		FilesFailed   int `json:"files_failed"`
		ChunksIndexed int `json:"chunks_indexed"`
	}
	if err := c.post("/api/index", map[string]bool{"full": indexFull}, &res); err != nil {
		return err
	}
	fmt.Printf("indexed %d files (%d skipped, %d failed), %d chunks\n",
		res.FilesIndexed, res.FilesSkipped, res.FilesFailed, res.ChunksIndexed)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("q", strings.Join(args, " "))
	q.Set("search_type", searchType)
	q.Set("limit", fmt.Sprint(searchLimit))

	var res struct {
		Results []struct {
			ID         string            `json:"id"`
			Collection string            `json:"collection"`
			Content    string            `json:"content"`
			Score      float32           `json:"score"`
			Confidence string            `json:"confidence"`
			Metadata   map[string]string `json:"metadata"`
		} `json:"results"`
	}
	if err := c.get("/api/search?"+q.Encode(), &res); err != nil {
		return err
	}
	if len(res.Results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for _, r := range res.Results {
		label := r.ID
		if fp := r.Metadata["filepath"]; fp != "" {
			label = fp
			if s, e := r.Metadata["start_line"], r.Metadata["end_line"]; s != "" && e != "" {
				label = fmt.Sprintf("%s (L%s-%s)", fp, s, e)
			}
		}
		fmt.Printf("[%s %.2f %s] %s\n", r.Collection, r.Score, r.Confidence, label)
		fmt.Println(indent(snippet(r.Content, 3), "    "))
	}
	return nil
}

// snippet keeps the first n lines of content.
func snippet(content string, n int) string {
	lines := strings.Split(content, "\n")
	if len(lines) > n {
		lines = append(lines[:n], "...")
	}
	return strings.Join(lines, "\n")
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = prefix + lines[i]
	}
	return strings.Join(lines, "\n")
}

func runRemember(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	body := map[string]any{
		"observation": strings.Join(args, " "),
		"tags":        append([]string{"manual"}, rememberTags...),
	}
	if rememberType != "" {
		body["type"] = rememberType
	}
	if rememberImportance != "" {
		body["importance"] = rememberImportance
	}
	var res struct {
		Memory struct {
			ID int64 `json:"id"`
		} `json:"memory"`
	}
	if err := c.post("/api/search/memories", body, &res); err != nil {
		return err
	}
	fmt.Printf("remembered (id %d)\n", res.Memory.ID)
	return nil
}

func runSessions(cmd *cobra.Command, _ []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	var res struct {
		Sessions []struct {
			ID          string    `json:"id"`
			Agent       string    `json:"agent"`
			Status      string    `json:"status"`
			StartedAt   time.Time `json:"started_at"`
			PromptCount int       `json:"prompt_count"`
			ToolCount   int       `json:"tool_count"`
			Title       *string   `json:"title"`
		} `json:"sessions"`
		Total int `json:"total"`
	}
	if err := c.get(fmt.Sprintf("/api/activity/sessions?limit=%d", sessionsLimit), &res); err != nil {
		return err
	}
	if res.Total == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}
	for _, s := range res.Sessions {
		title := "(untitled)"
		if s.Title != nil && *s.Title != "" {
			title = *s.Title
		}
		fmt.Printf("%s  %-9s %-8s %2d prompts %3d tools  %s\n",
			s.StartedAt.Local().Format("2006-01-02 15:04"), s.Status, s.Agent,
			s.PromptCount, s.ToolCount, title)
	}
	fmt.Printf("%d of %d sessions\n", len(res.Sessions), res.Total)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	resp, err := c.hc.Post(c.base+"/api/backup/export", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}

	out := os.Stdout
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		fmt.Printf("wrote %d bytes to %s\n", n, args[0])
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	resp, err := c.hc.Post(c.base+"/api/backup/import", "application/sql", f)
	if err != nil {
		return err
	}
	if err := decodeResponse(resp, nil); err != nil {
		return err
	}
	fmt.Println("restore complete")
	return nil
}
