package feedback

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/javimaligno/agentctl/infrastructure/httputil"
	"github.com/javimaligno/agentctl/infrastructure/logging"
	"github.com/javimaligno/agentctl/infrastructure/security"
	"github.com/javimaligno/agentctl/internal/state"
)

const maxWebhookBodyBytes = 1 << 20 // 1MiB, generous for a review-comment payload

// WebhookConfig configures the receiver: the shared secret used to verify
// signatures, and the repositories it accepts events for (spec section 4.6,
// "HTTP receiver").
type WebhookConfig struct {
	Secret       string
	Repositories map[string]bool
	Parser       ParserConfig
}

// Webhook is the HTTP receiver side of the feedback loop: it validates the
// sender's signature, deduplicates redelivered events, converts recognised
// GitHub event types into Events, and leaves everything else ignored rather
// than rejected.
type Webhook struct {
	cfg    WebhookConfig
	replay *security.ReplayProtection
	events chan Event
	logger *logging.Logger
}

// NewWebhook builds a Webhook, wiring a 10 minute replay window sized the
// same way the teacher's header-gate sizes its audit queue.
func NewWebhook(cfg WebhookConfig, logger *logging.Logger) *Webhook {
	return &Webhook{
		cfg:    cfg,
		replay: security.NewReplayProtectionWithMaxSize(10*time.Minute, 10000, logger),
		events: make(chan Event, 64),
		logger: logger,
	}
}

// Events returns the channel ServeHTTP publishes Events to.
func (w *Webhook) Events() <-chan Event { return w.events }

// ServeHTTP implements http.Handler. It mirrors the source's header-gate
// shape (constant-time secret compare, audit on rejection) but verifies a
// GitHub-style HMAC-SHA256 body signature instead of a shared header value.
func (w *Webhook) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/health" {
		w.handleHealth(resp)
		return
	}

	if req.Method != http.MethodPost {
		httputil.WriteError(resp, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if req.URL.Path != "/webhook" && req.URL.Path != "/" {
		httputil.NotFound(resp, "not found")
		return
	}

	body, err := httputil.ReadAllStrict(req.Body, maxWebhookBodyBytes)
	if err != nil {
		httputil.BadRequest(resp, "body too large")
		return
	}

	signature := req.Header.Get("X-Hub-Signature-256")
	if !w.validSignature(signature, body) {
		if w.logger != nil {
			w.logger.WithField("path", req.URL.Path).Warn("webhook signature verification failed")
		}
		httputil.Unauthorized(resp, "invalid signature")
		return
	}

	deliveryID := req.Header.Get("X-GitHub-Delivery")
	if deliveryID != "" && !w.replay.ValidateAndMark(deliveryID) {
		httputil.WriteJSON(resp, http.StatusOK, map[string]string{"status": "ignored", "reason": "duplicate_delivery"})
		return
	}

	eventType := req.Header.Get("X-GitHub-Event")
	repo, ok := w.decodeRepository(body)
	if ok && len(w.cfg.Repositories) > 0 && !w.cfg.Repositories[repo] {
		httputil.WriteJSON(resp, http.StatusOK, map[string]string{"status": "ignored", "reason": "repository_not_configured"})
		return
	}

	handled := w.dispatch(eventType, body)
	if !handled {
		httputil.WriteJSON(resp, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	httputil.WriteJSON(resp, http.StatusOK, map[string]string{"status": "ok"})
}

func (w *Webhook) handleHealth(resp http.ResponseWriter) {
	httputil.WriteJSON(resp, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": stampNow(),
	})
}

// stampNow exists only so tests can't trip over Date.now-style nondeterminism
// at the call site; it calls time.Now directly since this is a real HTTP
// response, not a cached workflow value.
func stampNow() string {
	return timeNowUTC().Format(time.RFC3339)
}

var timeNowUTC = func() time.Time { return time.Now().UTC() }

func (w *Webhook) validSignature(header string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) || w.cfg.Secret == "" {
		return false
	}
	received, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(w.cfg.Secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return subtle.ConstantTimeCompare(received, expected) == 1
}

type githubPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	PullRequest struct {
		HTMLURL string `json:"html_url"`
		State   string `json:"state"`
		Merged  bool   `json:"merged"`
	} `json:"pull_request"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	CheckRun struct {
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
	} `json:"check_run"`
}

func (w *Webhook) decodeRepository(body []byte) (string, bool) {
	var p githubPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", false
	}
	return p.Repository.FullName, p.Repository.FullName != ""
}

// dispatch converts a handful of GitHub event types into feedback Events. It
// returns false for anything it does not recognise so ServeHTTP can report
// "ignored" rather than pretending every webhook matters.
func (w *Webhook) dispatch(eventType string, body []byte) bool {
	var p githubPayload
	if err := json.Unmarshal(body, &p); err != nil {
		w.emit(Event{Kind: EventError, Err: err})
		return false
	}

	switch eventType {
	case "pull_request":
		url := p.PullRequest.HTMLURL
		switch {
		case p.PullRequest.Merged:
			w.emit(Event{Kind: EventMerged, ProposalURL: url})
			return true
		case p.PullRequest.State == "closed":
			w.emit(Event{Kind: EventClosed, ProposalURL: url})
			return true
		default:
			return false
		}

	case "pull_request_review", "pull_request_review_comment", "issue_comment":
		if w.cfg.isBotComment(p.Comment.User.Login) {
			return false
		}
		item := state.FeedbackItem{
			Type:     classify(p.Comment.Body),
			RawText:  p.Comment.Body,
			Author:   p.Comment.User.Login,
		}
		item.Priority = priority(item.Type)
		items := []state.FeedbackItem{item}
		w.emit(Event{Kind: EventFeedback, Feedback: Parsed{
			Items:          items,
			NeedsAttention: true,
			Summary:        summarize(items),
		}})
		return true

	case "check_run":
		w.emit(Event{Kind: EventChecksChanged})
		return true

	default:
		return false
	}
}

func (w *Webhook) emit(e Event) {
	select {
	case w.events <- e:
	default:
	}
}

func (c WebhookConfig) isBotComment(author string) bool {
	return c.Parser.isBot(author)
}
