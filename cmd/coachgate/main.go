package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/zen-systems/coachgate/pkg/adapter"
	"github.com/zen-systems/coachgate/pkg/config"
	"github.com/zen-systems/coachgate/pkg/critic"
	"github.com/zen-systems/coachgate/pkg/executor"
	"github.com/zen-systems/coachgate/pkg/jobs"
	"github.com/zen-systems/coachgate/pkg/observe"
	"github.com/zen-systems/coachgate/pkg/pipeline"
	"github.com/zen-systems/coachgate/pkg/router"
	"github.com/zen-systems/coachgate/pkg/state"
	"github.com/zen-systems/coachgate/pkg/stream"
	"github.com/zen-systems/coachgate/pkg/tier"
	"github.com/zen-systems/coachgate/pkg/voice"
)

var (
	configDir string
	logLevel  string
	mockFlag  bool
	jsonFlag  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coachgate",
		Short: "Tiered model routing, execution and brand voice for a coaching assistant",
		Long: `Coachgate classifies each athlete message, picks a model tier, executes
	with one-step escalation on failure, and rewrites the reply into the
	coaching voice. Replies can be reviewed by a critic loop, and the worker
	runs the memory, embedding, critic and audit jobs.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory (default ~/.coachgate)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&mockFlag, "mock", false, "serve every provider with the offline mock adapter")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "print results as JSON")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(voiceCmd())
	rootCmd.AddCommand(criticCmd())
	rootCmd.AddCommand(readinessCmd())
	rootCmd.AddCommand(classifyContentCmd())
	rootCmd.AddCommand(tiersCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(publishCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds the components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	catalog  *tier.Catalog
	enforcer *voice.Enforcer
	registry *adapter.Registry
	sink     observe.Sink
}

func setup() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	catalog := tier.Default()
	if cfg.TiersPath != "" {
		if catalog, err = tier.Load(cfg.TiersPath); err != nil {
			return nil, fmt.Errorf("failed to load tiers: %w", err)
		}
	}

	enforcer := voice.Default()
	if cfg.VoicePath != "" {
		rules, err := voice.LoadRules(cfg.VoicePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load voice rules: %w", err)
		}
		if enforcer, err = voice.New(rules); err != nil {
			return nil, err
		}
	}

	sinks := []observe.Sink{observe.NewLogSink(logger), observe.NewOTelSink(otel.GetTracerProvider())}
	if cfg.EvidenceDir != "" {
		ev, err := observe.NewEvidenceSink(cfg.EvidenceDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open evidence dir: %w", err)
		}
		sinks = append(sinks, ev)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		catalog:  catalog,
		enforcer: enforcer,
		registry: createRegistry(cfg),
		sink:     observe.Multi(sinks...),
	}, nil
}

func loadConfig() (*config.Config, error) {
	if configDir != "" {
		return config.LoadFrom(configDir)
	}
	return config.Load()
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// createRegistry registers every provider lazily, so a missing key only
// fails the tier that needs it.
func createRegistry(cfg *config.Config) *adapter.Registry {
	r := adapter.NewRegistry()
	if mockFlag {
		mock := adapter.NewMockAdapter()
		for _, name := range []string{"anthropic", "openai", "deepseek", "google", "mock"} {
			r.Add(name, mock)
		}
		return r
	}

	r.Register("anthropic", func() (any, error) { return adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey) })
	r.Register("openai", func() (any, error) { return adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey) })
	r.Register("deepseek", func() (any, error) { return adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey) })
	r.Register("google", func() (any, error) {
		return adapter.NewGoogleAdapter(context.Background(), cfg.GoogleAPIKey)
	})
	r.Add("mock", adapter.NewMockAdapter())
	return r
}

func (a *app) classifier(heuristic bool) router.Classifier {
	if heuristic || mockFlag {
		return router.NewHeuristicClassifier()
	}
	spec := a.catalog.Spec(tier.Fast)
	provider, err := a.registry.Structured(spec.Provider)
	if err != nil {
		a.logger.Warn().Err(err).Msg("no structured provider for classification, using heuristics")
		return router.NewHeuristicClassifier()
	}
	return router.NewLLMClassifier(provider, spec.Model, router.WithClassifierLogger(a.logger))
}

func (a *app) router(heuristic bool) *router.Router {
	return router.New(a.classifier(heuristic),
		router.WithCatalog(a.catalog),
		router.WithFailureThreshold(a.cfg.Pipeline.FailureThreshold),
		router.WithLogger(a.logger),
	)
}

func (a *app) executor(queue executor.CreativeQueue) *executor.Executor {
	opts := []executor.Option{
		executor.WithCatalog(a.catalog),
		executor.WithEnforcer(a.enforcer),
		executor.WithSink(a.sink),
		executor.WithLogger(a.logger),
	}
	if queue != nil {
		opts = append(opts, executor.WithCreativeQueue(queue))
	}
	return executor.New(a.registry, opts...)
}

// criticLoop reviews with the DEEP tier's structured provider and revises
// with the SMART completer.
func (a *app) criticLoop() (*critic.Loop, critic.ReviseFunc, error) {
	deep := a.catalog.Spec(tier.Deep)
	reviewer, err := a.registry.Structured(deep.Provider)
	if err != nil {
		return nil, nil, err
	}
	smart := a.catalog.Spec(tier.Smart)
	completer, err := a.registry.Completer(smart.Provider)
	if err != nil {
		return nil, nil, err
	}
	loop := critic.NewLoop(
		critic.NewLLMReviewer(reviewer, deep.Model, critic.WithReviewerLogger(a.logger)),
		critic.WithEnforcer(a.enforcer),
		critic.WithSink(a.sink),
		critic.WithLogger(a.logger),
	)
	return loop, critic.NewLLMReviser(completer, smart, a.enforcer), nil
}

func (a *app) criticConfig(ct string, threshold, attempts int) critic.Config {
	cfg := critic.DefaultConfig(critic.ContentType(ct))
	cfg.ApprovalThreshold = a.cfg.Pipeline.CriticThreshold
	cfg.MaxAttempts = a.cfg.Pipeline.CriticAttempts
	if threshold > 0 {
		cfg.ApprovalThreshold = threshold
	}
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	return cfg
}

// dialRedis returns nil without error when no Redis address is configured.
func (a *app) dialRedis() (*stream.Client, error) {
	if a.cfg.Redis.Addr == "" {
		return nil, nil
	}
	client, err := stream.Dial(a.cfg.Redis, stream.WithLogger(a.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func readInput(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func askCmd() *cobra.Command {
	var userID, conversationID, contentType, domainContext string
	var review, heuristic, streamFlag bool
	var threshold, attempts int

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Route, execute and voice-enforce one athlete message",
		Long: `Runs the full request path: classify, pick a tier, execute with
	escalation, enforce the voice, and record the outcome in the user's state.

	Use --review to pass the reply through the critic loop, or --stream to
	print the reply line by line as it arrives. When Redis is configured,
	state is shared with other processes and the exchange is queued for
	memory ingest when --conversation is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if streamFlag && (review || jsonFlag) {
				return fmt.Errorf("--stream cannot be combined with --review or --json")
			}
			text, err := readInput(args)
			if err != nil {
				return err
			}
			a, err := setup()
			if err != nil {
				return err
			}

			client, err := a.dialRedis()
			if err != nil {
				return err
			}
			var states state.Store = state.NewMemoryStore()
			var queue executor.CreativeQueue
			var opts []pipeline.Option
			if client != nil {
				defer client.Close()
				states = state.NewRedisStore(client.Raw(), state.WithLogger(a.logger))
				queue = executor.NewStreamQueue(client, "")
				opts = append(opts, pipeline.WithEvents(jobs.NewPublisher(client, "")))
			}

			req := pipeline.Request{
				Query:          router.Query{UserID: userID, Text: text, DomainContext: domainContext},
				ConversationID: conversationID,
			}
			if review {
				loop, revise, err := a.criticLoop()
				if err != nil {
					return err
				}
				opts = append(opts, pipeline.WithCritic(loop, revise))
				cfg := a.criticConfig(contentType, threshold, attempts)
				req.Review = &cfg
			}
			if streamFlag {
				req.OnDelta = func(chunk string) error {
					_, err := io.WriteString(os.Stdout, chunk)
					return err
				}
			}
			opts = append(opts, pipeline.WithMaxRetries(a.cfg.Pipeline.MaxRetries), pipeline.WithLogger(a.logger))

			p := pipeline.New(states, a.router(heuristic), a.executor(queue), opts...)
			resp, err := p.Handle(cmd.Context(), req)
			if err != nil {
				return err
			}

			if jsonFlag {
				return printJSON(resp)
			}
			fmt.Fprintf(os.Stderr, "Tier %s via %s (voice %d/100", resp.Result.Tier, resp.Result.Model, resp.Result.VoiceScore)
			if resp.Review != nil {
				fmt.Fprintf(os.Stderr, ", critic %d/100", resp.Review.FinalScore)
			}
			fmt.Fprintln(os.Stderr, ")")
			if streamFlag {
				fmt.Println()
				return nil
			}
			fmt.Println(resp.Text)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "cli", "user id")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (enables memory ingest)")
	cmd.Flags().StringVar(&domainContext, "context", "", "domain context appended to the system prompt")
	cmd.Flags().BoolVar(&review, "review", false, "run the critic loop on the reply")
	cmd.Flags().StringVar(&contentType, "content-type", "response", "critic content type")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "critic approval threshold")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "critic max attempts")
	cmd.Flags().BoolVar(&heuristic, "heuristic", false, "classify with keyword heuristics instead of a model")
	cmd.Flags().BoolVar(&streamFlag, "stream", false, "print the reply as it is generated (single attempt, no review)")

	return cmd
}

func routeCmd() *cobra.Command {
	var heuristic bool
	var failures int
	var sentiments []string

	cmd := &cobra.Command{
		Use:   "route [message]",
		Short: "Show the routing decision for a message without executing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(args)
			if err != nil {
				return err
			}
			a, err := setup()
			if err != nil {
				return err
			}

			r := a.router(heuristic)
			st := state.New("cli")
			st.ConsecutiveFailures = failures
			for _, s := range sentiments {
				st.PushSentiment(strings.ToUpper(s))
			}

			d, err := r.Route(cmd.Context(), router.Query{UserID: "cli", Text: text}, st)
			if err != nil {
				a.logger.Warn().Err(err).Msg("classification failed")
				d = router.FallbackDecision(r.Catalog(), err)
			}
			if jsonFlag {
				return printJSON(d)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "INTENT\t%s\n", d.Intent)
			fmt.Fprintf(w, "SENTIMENT\t%s\n", d.Sentiment)
			fmt.Fprintf(w, "COMPLEXITY\t%d\n", d.Complexity)
			fmt.Fprintf(w, "TIER\t%s\n", d.Tier)
			fmt.Fprintf(w, "MODEL\t%s\n", r.Catalog().Spec(d.Tier).Model)
			fmt.Fprintf(w, "LATENCY\t%s\n", d.EstimatedLatency)
			for _, reason := range d.Reasoning {
				fmt.Fprintf(w, "REASON\t%s\n", reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&heuristic, "heuristic", false, "classify with keyword heuristics instead of a model")
	cmd.Flags().IntVar(&failures, "failures", 0, "simulated consecutive failures")
	cmd.Flags().StringSliceVar(&sentiments, "sentiments", nil, "simulated recent sentiments, oldest first")

	return cmd
}

func voiceCmd() *cobra.Command {
	var auditOnly bool
	var threshold int

	cmd := &cobra.Command{
		Use:   "voice [text]",
		Short: "Rewrite text into the coaching voice and score it",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(args)
			if err != nil {
				return err
			}
			a, err := setup()
			if err != nil {
				return err
			}

			out := text
			if !auditOnly {
				out = a.enforcer.Enforce(text)
			}
			eval := a.enforcer.Evaluate(out, threshold)
			if jsonFlag {
				return printJSON(struct {
					Text       string           `json:"text"`
					Evaluation voice.Evaluation `json:"evaluation"`
				}{out, eval})
			}

			fmt.Println(out)
			fmt.Fprintf(os.Stderr, "%s\n", eval.Summary)
			for _, v := range eval.Violations {
				fmt.Fprintf(os.Stderr, "  [%s] %s: %s\n", v.Severity, v.Category, v.Term)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&auditOnly, "audit", false, "score the text without rewriting it")
	cmd.Flags().IntVar(&threshold, "threshold", voice.DefaultPassThreshold, "pass threshold")

	return cmd
}

func criticCmd() *cobra.Command {
	var contentType string
	var threshold, attempts, concurrency int
	var quick bool
	var files []string

	cmd := &cobra.Command{
		Use:   "critic [content]",
		Short: "Review content with the critic loop",
		Long: `Reviews content against the coaching guidelines and revises it until it
	is approved or the attempt budget runs out.

	Use --file more than once to review several documents as a batch.
	Use --quick for a single review without revision.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			loop, revise, err := a.criticLoop()
			if err != nil {
				return err
			}
			cfg := a.criticConfig(contentType, threshold, attempts)

			if len(files) > 0 {
				items := make([]string, len(files))
				for i, f := range files {
					data, err := os.ReadFile(f)
					if err != nil {
						return err
					}
					items[i] = string(data)
				}
				batch, err := loop.ReviewBatch(cmd.Context(), items, cfg, revise, concurrency)
				if err != nil {
					return err
				}
				if jsonFlag {
					return printJSON(batch)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "FILE\tAPPROVED\tSCORE\tITERATIONS")
				for i, r := range batch.Results {
					fmt.Fprintf(w, "%s\t%t\t%d\t%d\n", files[i], r.Approved, r.FinalScore, r.Iterations)
				}
				fmt.Fprintf(w, "\nTOTAL\t%d/%d\t%.1f\t\n", batch.Approved, batch.Total, batch.AverageScore)
				return w.Flush()
			}

			content, err := readInput(args)
			if err != nil {
				return err
			}
			if quick {
				review, err := loop.QuickReview(cmd.Context(), content, cfg.ContentType)
				if err != nil {
					return err
				}
				return printJSON(review)
			}

			res, err := loop.Run(cmd.Context(), content, cfg, revise)
			if err != nil {
				return err
			}
			if jsonFlag {
				return printJSON(res)
			}
			fmt.Println(res.FinalContent)
			if rej := res.Err(); rej != nil {
				fmt.Fprintf(os.Stderr, "Rejected: %v\n", rej)
			} else {
				fmt.Fprintf(os.Stderr, "Approved at %d/100 after %d attempt(s)\n", res.FinalScore, res.Iterations)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&contentType, "content-type", "response", "content type (response, article, plan, email, social)")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "approval threshold")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "max attempts")
	cmd.Flags().BoolVar(&quick, "quick", false, "single review without revision")
	cmd.Flags().StringArrayVar(&files, "file", nil, "review files as a batch")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "batch loops in flight")

	return cmd
}

func tiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "List model tiers and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			specs := a.catalog.Specs()
			if jsonFlag {
				return printJSON(specs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tPROVIDER\tMODEL\tMAX TOKENS\tP95\tTIMEOUT\tMAX COMPLEXITY\tSTATUS")
			for _, s := range specs {
				status := "ready"
				if !mockFlag {
					if err := a.cfg.Require(s.Provider); err != nil {
						status = "no key"
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
					s.Tier, s.Provider, s.Model, s.MaxTokens, s.TargetP95, s.CallTimeout, s.MaxComplexity, status)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			for _, p := range a.catalog.Providers() {
				if !mockFlag {
					if err := a.cfg.Require(p); err != nil {
						fmt.Printf("\n%v\n", err)
					}
				}
			}
			return nil
		},
	}
}

func publishCmd() *cobra.Command {
	var key string

	cmd := &cobra.Command{
		Use:   "publish [event] [json payload]",
		Short: "Publish a job event to the worker's event stream",
		Long: `Publishes an event such as memory/consolidate or voice/audit. The
	payload is read from the second argument or stdin.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(args[1:])
			if err != nil {
				return err
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			a, err := setup()
			if err != nil {
				return err
			}
			client, err := a.dialRedis()
			if err != nil {
				return err
			}
			if client == nil {
				return fmt.Errorf("publish needs COACHGATE_REDIS_ADDR")
			}
			defer client.Close()

			id, err := jobs.NewPublisher(client, "").Publish(cmd.Context(), args[0], key, json.RawMessage(payload))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "concurrency key, normally the user id")
	return cmd
}
