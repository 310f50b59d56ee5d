package app

import (
	"context"
	"fmt"
	"strings"

	"halcyon/internal/cache"
	"halcyon/internal/command"
	"halcyon/internal/conversation"
	"halcyon/internal/domain"
	halerrors "halcyon/internal/errors"
	"halcyon/internal/inference"
	"halcyon/internal/memory"
	"halcyon/internal/ports"
	"halcyon/internal/reminder"
)

// systemPreamble is the fixed system-prompt segment of spec §4.3's prompt
// assembly ((a) "a system-prompt preamble").
const systemPreamble = "You are a helpful, concise self-hosted assistant. Answer directly; cite retrieved memories only when they materially change the answer."

// Result is the outcome of HandleUtterance: either a conversational
// response, an enqueued approval awaiting confirmation, or a directly
// executed conversational side-effect-free command.
type Result struct {
	Text           string
	ConversationID *domain.ID
	ApprovalID     *domain.ID
	Intent         command.Intent
	Degraded       bool
	Usage          ports.Usage
}

// HandleUtterance is the data-flow entry point of spec §2: parse, then route
// side-effecting intents through the approval queue and execute
// conversational intents directly.
func (r *Root) HandleUtterance(ctx context.Context, principal domain.UserID, conversationID *domain.ID, utterance string) (Result, error) {
	intent, err := r.Parser.Parse(utterance)
	if err != nil {
		return Result{}, err
	}

	if intent.IsSideEffecting() {
		id, err := r.Approvals.Enqueue(ctx, principal, intent)
		if err != nil {
			return Result{}, err
		}
		return Result{ApprovalID: &id, Intent: intent, Text: "confirmation required before this action runs"}, nil
	}

	switch intent.Kind {
	case command.KindEcho:
		return Result{Text: intent.Text, Intent: intent}, nil

	case command.KindHelp:
		return Result{Text: helpText(), Intent: intent}, nil

	case command.KindBriefing:
		text, err := r.Reminders.Briefing(ctx, principal, "")
		if err != nil {
			return Result{}, err
		}
		return Result{Text: text, Intent: intent}, nil

	case command.KindListReminders:
		var state *reminder.State
		if f := reminderStateFilter(intent.ReminderFilter); f != "" {
			state = &f
		}
		reminders, err := r.Reminders.List(ctx, principal, state)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: renderReminderList(reminders), Intent: intent}, nil

	case command.KindGetWeather:
		if r.Ports.Weather == nil {
			return Result{}, halerrors.New(halerrors.UpstreamUnavailable, "weather collaborator not configured", nil)
		}
		cur, err := r.Ports.Weather.Current(ctx, intent.Location)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: fmt.Sprintf("%s: %s, %.1f°C", intent.Location, cur.Summary, cur.TempC), Intent: intent}, nil

	case command.KindWebSearch:
		if r.Ports.Search == nil {
			return Result{}, halerrors.New(halerrors.UpstreamUnavailable, "search collaborator not configured", nil)
		}
		results, err := r.Ports.Search.Search(ctx, intent.Query, ports.SearchOptions{MaxResults: 5})
		if err != nil {
			return Result{}, err
		}
		return Result{Text: renderSearchResults(results), Intent: intent}, nil

	case command.KindReadInbox:
		if r.Ports.Mail == nil {
			return Result{}, halerrors.New(halerrors.UpstreamUnavailable, "mail collaborator not configured", nil)
		}
		count := intent.Count
		if count <= 0 {
			count = 5
		}
		messages, err := r.Ports.Mail.ListRecent(ctx, principal, count)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: renderInbox(messages), Intent: intent}, nil

	default: // KindAsk, KindUnknown
		query := intent.Query
		if query == "" {
			query = utterance
		}
		return r.converse(ctx, principal, conversationID, query, utterance)
	}
}

// converse implements the conversational half of spec §2's data flow:
// conversation store fetch + memory RAG retrieval -> inference gateway ->
// conversation store append -> memory learning.
func (r *Root) converse(ctx context.Context, principal domain.UserID, conversationID *domain.ID, query, utterance string) (Result, error) {
	conv, prompt, err := r.PreparePrompt(ctx, principal, conversationID, query, utterance)
	if err != nil {
		return Result{}, err
	}

	completion, err := r.Gateway.Generate(ctx, prompt, ports.CompletionOptions{
		Model:       r.Config.Inference.DefaultModel,
		Temperature: r.Config.Inference.Temperature,
		MaxTokens:   r.Config.Inference.MaxTokens,
	}, cache.LlmDynamic)
	if err != nil {
		return Result{}, err
	}

	if err := r.AppendTurn(ctx, principal, conv, utterance, completion.Text, completion.Degraded); err != nil {
		return Result{}, err
	}

	id := conv.ID
	return Result{
		Text: completion.Text, ConversationID: &id,
		Degraded: completion.Degraded, Usage: completion.Usage,
	}, nil
}

// PreparePrompt loads or creates the conversation, retrieves RAG memories
// when enabled, and assembles the prompt for a generate call. Exported so
// the streaming HTTP handler (internal/api) can drive Gateway.GenerateStream
// directly while sharing the exact same assembly path as the synchronous
// converse flow.
func (r *Root) PreparePrompt(ctx context.Context, principal domain.UserID, conversationID *domain.ID, query, utterance string) (conversation.Conversation, string, error) {
	conv, err := r.loadOrCreateConversation(ctx, principal, conversationID)
	if err != nil {
		return conversation.Conversation{}, "", err
	}

	var mems []memory.Memory
	if r.Config.Memory.Enabled {
		mems, err = r.Memory.Retrieve(ctx, principal, query, r.Config.Memory.RAGLimit)
		if err != nil {
			r.Logger.Warn("memory retrieve failed, continuing without RAG context: %v", err)
			mems = nil
		}
	}

	prompt := inference.AssemblePrompt(inference.PromptInputs{
		SystemPreamble: systemPreamble,
		Memories:       mems,
		History:        conv.Messages,
		UserTurn:       utterance,
		Budget:         r.Config.Inference.PromptBudget,
	})
	return conv, prompt, nil
}

// AppendTurn persists the user and assistant messages of a completed turn
// and runs memory learning, mirroring converse's post-generation steps. The
// streaming handler calls this once the terminal chunk has been observed.
func (r *Root) AppendTurn(ctx context.Context, principal domain.UserID, conv conversation.Conversation, utterance, responseText string, degraded bool) error {
	userMsg := conversation.Message{ID: domain.NewID(), Role: conversation.RoleUser, Content: utterance, CreatedAt: r.Clock.Now()}
	if _, err := r.Conversations.Append(ctx, conv.ID, principal, userMsg); err != nil {
		return err
	}
	assistantMsg := conversation.Message{ID: domain.NewID(), Role: conversation.RoleAssistant, Content: responseText, CreatedAt: r.Clock.Now()}
	if _, err := r.Conversations.Append(ctx, conv.ID, principal, assistantMsg); err != nil {
		return err
	}
	if r.Config.Memory.Enabled && !degraded {
		turn := fmt.Sprintf("user: %s\nassistant: %s", utterance, responseText)
		if _, err := r.Memory.Remember(ctx, principal, &conv.ID, turn, "", memory.TypeContext, 0.3, ""); err != nil {
			r.Logger.Warn("memory learning failed: %v", err)
		}
	}
	return nil
}

func (r *Root) loadOrCreateConversation(ctx context.Context, principal domain.UserID, conversationID *domain.ID) (conversation.Conversation, error) {
	if conversationID != nil {
		return r.Conversations.Load(ctx, *conversationID, principal)
	}
	return r.Conversations.Create(ctx, principal, "")
}

func reminderStateFilter(s string) reminder.State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return reminder.StatePending
	case "sent":
		return reminder.StateSent
	case "acknowledged", "ack":
		return reminder.StateAcknowledged
	case "expired":
		return reminder.StateExpired
	default:
		return ""
	}
}

func renderReminderList(reminders []reminder.Reminder) string {
	if len(reminders) == 0 {
		return "You have no reminders."
	}
	var b strings.Builder
	for _, rem := range reminders {
		fmt.Fprintf(&b, "- [%s] %s at %s\n", rem.State, rem.Text, rem.FireAt.Format("2006-01-02 15:04"))
	}
	return b.String()
}

func renderSearchResults(results []ports.SearchResult) string {
	if len(results) == 0 {
		return "No results found."
	}
	var b strings.Builder
	for _, res := range results {
		fmt.Fprintf(&b, "- %s (%s)\n  %s\n", res.Title, res.URL, res.Snippet)
	}
	return b.String()
}

func renderInbox(messages []ports.MailMessage) string {
	if len(messages) == 0 {
		return "Your inbox has no recent messages."
	}
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", m.From, m.Subject, m.Date.Format("2006-01-02 15:04"))
	}
	return b.String()
}

func helpText() string {
	return "I can chat, draft and send email, manage your calendar and reminders, check the weather, and search the web. Side-effecting actions require your approval before they run."
}
