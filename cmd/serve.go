package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pelangilabs/concierge/internal/analytics"
	"github.com/pelangilabs/concierge/internal/booking"
	"github.com/pelangilabs/concierge/internal/bridge"
	"github.com/pelangilabs/concierge/internal/classify"
	"github.com/pelangilabs/concierge/internal/config"
	"github.com/pelangilabs/concierge/internal/conversation"
	"github.com/pelangilabs/concierge/internal/escalation"
	"github.com/pelangilabs/concierge/internal/i18n"
	"github.com/pelangilabs/concierge/internal/kb"
	"github.com/pelangilabs/concierge/internal/providers"
	"github.com/pelangilabs/concierge/internal/report"
	"github.com/pelangilabs/concierge/internal/router"
	"github.com/pelangilabs/concierge/internal/workflow"
)

// convoStore is the full conversation surface the service needs: the
// router subset plus lifecycle and persistence.
type convoStore interface {
	router.ConversationStore
	GetOrCreate(phone string) *conversation.Conversation
	AppendMessage(phone string, m conversation.Message)
	SetPushName(phone, name string)
	BookingState(phone string) json.RawMessage
	WorkflowState(phone string) json.RawMessage
	Save(phone string) error
}

// service ties the bridge to the router and owns the per-message flow.
type service struct {
	cfg       *config.Config
	client    *bridge.Client
	rtr       *router.Router
	convos    convoStore
	booking   *booking.Engine
	workflows *workflow.Engine
	templates *i18n.Catalog
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		slog.Warn("no provider API key configured, guests will get the unavailable reply",
			"hint", "set CONCIERGE_OPENAI_API_KEY")
	}

	svc := &service{cfg: cfg}

	// Conversation store: Postgres when a DSN is configured, files otherwise.
	switch {
	case cfg.Storage.PostgresDSN != "":
		pgStore, err := conversation.OpenPG(cfg.Storage.PostgresDSN, cfg.Storage.MaxHistory)
		if err != nil {
			slog.Error("failed to open postgres conversation store", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		svc.convos = pgStore
	default:
		svc.convos = conversation.NewStore(cfg.Storage.Dir, cfg.Storage.MaxHistory)
	}

	collector, err := analytics.Open(cfg.Storage.AnalyticsPath)
	if err != nil {
		slog.Error("failed to open analytics db", "error", err)
		os.Exit(1)
	}
	defer collector.Close()

	tiers, err := classify.NewTierSet(cfg.Intents)
	if err != nil {
		slog.Error("invalid intent patterns", "error", err)
		os.Exit(1)
	}

	var primary, fallback providers.Provider
	if cfg.Providers.OpenAI.APIKey != "" {
		primary = providers.NewOpenAIProvider("openai",
			cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Providers.OpenAI.Model)
	}
	if cfg.Providers.Fallback.APIKey != "" {
		fallback = providers.NewOpenAIProvider("fallback",
			cfg.Providers.Fallback.APIKey, cfg.Providers.Fallback.APIBase, cfg.Providers.Fallback.Model)
	}
	engine := classify.NewEngine(classify.EngineConfig{
		Provider:      primary,
		Fallback:      fallback,
		Model:         cfg.Providers.OpenAI.Model,
		ClassifyModel: cfg.Providers.OpenAI.ClassifyModel,
		FallbackModel: cfg.Providers.Fallback.Model,
		Tiers:         tiers,
		Intents:       cfg.IntentNames(),
	})

	svc.templates = i18n.NewCatalog(cfg.StaticReplies)
	knowledge := kb.New(cfg.Knowledge.Dir, cfg.Knowledge.BasePrompt, cfg.Knowledge.Topics, cfg.Knowledge.SummaryKeepTurns)

	client, err := bridge.New(cfg.Bridge.URL, cfg.Bridge.Token, cfg.Bridge.RateLimitRPM, svc.handleMessage)
	if err != nil {
		slog.Error("failed to create bridge client", "error", err)
		os.Exit(1)
	}
	svc.client = client

	svc.booking = booking.NewEngine()
	svc.workflows = workflow.NewEngine(cfg.Workflows, client, cfg.Bridge.StaffPhone)
	escalator := escalation.NewNotifier(client, cfg.Bridge.StaffPhone, cfg.Routing.UnknownThreshold)

	svc.rtr = router.New(router.Deps{
		Config:     cfg,
		Classifier: engine,
		Knowledge:  knowledge,
		Templates:  svc.templates,
		Transport:  client,
		Convos:     svc.convos,
		Booking:    svc.booking,
		Workflows:  svc.workflows,
		Escalator:  escalator,
		Events:     collector,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		slog.Error("failed to start bridge client", "error", err)
		os.Exit(1)
	}
	defer client.Stop(context.Background())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := cfg.Watch(gctx, cfgPath, func(fresh *config.Config) {
			svc.templates.ReplaceStatics(fresh.StaticReplies)
			newTiers, err := classify.NewTierSet(fresh.Intents)
			if err != nil {
				slog.Error("reloaded intent patterns invalid, keeping previous tiers", "error", err)
				return
			}
			engine.ReplaceTiers(newTiers, fresh.IntentNames())
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Report.Enabled && cfg.Bridge.StaffPhone != "" {
		sched, err := report.New(collector, client, cfg.Bridge.StaffPhone, cfg.Bridge.InstanceID, cfg.Report.Schedule)
		if err != nil {
			slog.Error("invalid report config", "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			err := sched.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	slog.Info("concierge running", "bridge", cfg.Bridge.URL, "instance", cfg.Bridge.InstanceID, "version", Version)
	if err := g.Wait(); err != nil {
		slog.Error("concierge stopped", "error", err)
		os.Exit(1)
	}
}

// handleMessage is called from the bridge listen loop; routing happens on
// its own goroutine so a slow LLM call never blocks the socket reads.
func (s *service) handleMessage(ctx context.Context, in bridge.InboundMessage) {
	go s.process(ctx, in)
}

func (s *service) process(ctx context.Context, in bridge.InboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	instanceID := in.InstanceID
	if instanceID == "" {
		instanceID = s.cfg.Bridge.InstanceID
	}

	s.convos.GetOrCreate(in.Phone)
	s.convos.SetPushName(in.Phone, in.PushName)

	response, err := s.route(ctx, in, instanceID)
	if err != nil {
		slog.Error("message routing failed", "phone", in.Phone, "error", err)
		response = s.templates.Lookup(i18n.KeyUnavailable, s.convos.Language(in.Phone))
	}
	if response == "" {
		return
	}

	s.convos.AppendMessage(in.Phone, conversation.Message{Role: "guest", Content: in.Content})
	s.convos.AppendMessage(in.Phone, conversation.Message{Role: "assistant", Content: response})
	if err := s.convos.Save(in.Phone); err != nil {
		slog.Warn("conversation save failed", "phone", in.Phone, "error", err)
	}

	if err := s.client.SendMessage(ctx, in.Phone, response, instanceID); err != nil {
		slog.Error("reply send failed", "phone", in.Phone, "error", err)
	}
}

// route picks the reply for one message: an in-flight booking or workflow
// consumes the message directly; everything else goes through the router.
func (s *service) route(ctx context.Context, in bridge.InboundMessage, instanceID string) (string, error) {
	if resp, handled, err := s.continueWorkflow(ctx, in, instanceID); handled || err != nil {
		return resp, err
	}
	if resp, handled, err := s.continueBooking(ctx, in); handled || err != nil {
		return resp, err
	}

	st := &router.PipelineState{
		Phone: in.Phone,
		Text:  in.Content,
		Msg:   router.Envelope{InstanceID: instanceID, PushName: in.PushName},
	}
	if err := s.rtr.ClassifyAndRoute(ctx, st); err != nil {
		return "", err
	}
	return st.Response, nil
}

func (s *service) continueWorkflow(ctx context.Context, in bridge.InboundMessage, instanceID string) (string, bool, error) {
	raw := s.convos.WorkflowState(in.Phone)
	if len(raw) == 0 {
		return "", false, nil
	}

	var wst workflow.State
	if err := json.Unmarshal(raw, &wst); err != nil {
		slog.Warn("corrupt workflow state, clearing", "phone", in.Phone, "error", err)
		s.convos.SetWorkflowState(in.Phone, nil)
		return "", false, nil
	}

	step, err := s.workflows.ExecuteStep(ctx, &wst, workflow.StepInput{
		Text:       in.Content,
		Lang:       s.convos.Language(in.Phone),
		Phone:      in.Phone,
		PushName:   in.PushName,
		InstanceID: instanceID,
	})
	if errors.Is(err, workflow.ErrStaleState) {
		slog.Warn("stale workflow state, clearing", "phone", in.Phone, "error", err)
		s.convos.SetWorkflowState(in.Phone, nil)
		return "", false, nil
	}
	if err != nil {
		return "", true, err
	}

	if step.ShouldForward {
		if err := s.workflows.ForwardSummary(ctx, step.WorkflowID, step.ConversationSummary, instanceID); err != nil {
			slog.Warn("workflow summary forward failed", "workflow", step.WorkflowID, "error", err)
		}
		if err := s.convos.SetWorkflowState(in.Phone, nil); err != nil {
			return "", true, err
		}
	} else if step.NewState != nil {
		data, err := json.Marshal(step.NewState)
		if err != nil {
			return "", true, err
		}
		if err := s.convos.SetWorkflowState(in.Phone, data); err != nil {
			return "", true, err
		}
	}
	return step.Response, true, nil
}

func (s *service) continueBooking(ctx context.Context, in bridge.InboundMessage) (string, bool, error) {
	raw := s.convos.BookingState(in.Phone)
	if len(raw) == 0 {
		return "", false, nil
	}

	var bst booking.State
	if err := json.Unmarshal(raw, &bst); err != nil {
		slog.Warn("corrupt booking state, clearing", "phone", in.Phone, "error", err)
		s.convos.SetBookingState(in.Phone, nil)
		return "", false, nil
	}

	step, err := s.booking.HandleStep(ctx, &bst, in.Content, s.convos.Language(in.Phone), s.convos.History(in.Phone))
	if err != nil {
		return "", true, err
	}

	if step.Done {
		if err := s.convos.SetBookingState(in.Phone, nil); err != nil {
			return "", true, err
		}
	} else {
		data, err := json.Marshal(step.NewState)
		if err != nil {
			return "", true, err
		}
		if err := s.convos.SetBookingState(in.Phone, data); err != nil {
			return "", true, err
		}
	}
	return step.Response, true, nil
}
