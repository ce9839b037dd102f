package llm

import (
	"context"
	"fmt"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/medulla-ai/medulla/internal/governance"
	"github.com/medulla-ai/medulla/internal/observability"
	"github.com/medulla-ai/medulla/internal/routing"
	"github.com/medulla-ai/medulla/pkg/models"
)

// Pool holds one chat client per configured model role.
type Pool struct {
	clients map[models.ModelRole]ChatClient
	logger  *observability.Logger
}

// NewPool builds clients for every role binding in the governance models
// document.
func NewPool(policy *governance.Policy, apiKey string, logger *observability.Logger, opts ...ClientOption) *Pool {
	p := &Pool{
		clients: make(map[models.ModelRole]ChatClient, len(policy.Models)),
		logger:  logger,
	}
	for name, spec := range policy.Models {
		role, err := models.ParseModelRole(name)
		if err != nil {
			logger.Warn(context.Background(), "skipping unknown model role binding", "role", name)
			continue
		}
		p.clients[role] = NewRoleClient(role, spec, apiKey, logger, opts...)
	}
	return p
}

// NewPoolFromClients wraps pre-built clients; tests use this.
func NewPoolFromClients(logger *observability.Logger, clients ...ChatClient) *Pool {
	p := &Pool{
		clients: make(map[models.ModelRole]ChatClient, len(clients)),
		logger:  logger,
	}
	for _, c := range clients {
		p.clients[c.Role()] = c
	}
	return p
}

// ClientFor returns the client serving a role, falling back to STANDARD when
// the role has no binding.
func (p *Pool) ClientFor(role models.ModelRole) (ChatClient, bool) {
	if c, ok := p.clients[role]; ok {
		return c, true
	}
	if c, ok := p.clients[models.ModelRoleStandard]; ok {
		return c, true
	}
	return nil, false
}

// Roles lists the bound roles.
func (p *Pool) Roles() []models.ModelRole {
	out := make([]models.ModelRole, 0, len(p.clients))
	for role := range p.clients {
		out = append(out, role)
	}
	return out
}

const consultSystemPrompt = `You are a routing classifier. Reply with a single JSON object and nothing else:
{"target_role": "STANDARD" | "CODING" | "REASONING", "confidence": <number 0..1>, "reason": "<short rationale>"}`

type consultReply struct {
	TargetRole string  `json:"target_role"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// RouterConsultant answers low-confidence routing questions with the ROUTER
// role client (STANDARD when the role is unbound).
type RouterConsultant struct {
	pool *Pool
}

// NewRouterConsultant wraps a pool for router consults.
func NewRouterConsultant(pool *Pool) *RouterConsultant {
	return &RouterConsultant{pool: pool}
}

// ConsultRoute asks the router model to classify one message. The reply must
// be a JSON object; fenced or loosely formatted JSON is tolerated.
func (rc *RouterConsultant) ConsultRoute(ctx context.Context, message string) (routing.Plan, error) {
	client, ok := rc.pool.ClientFor(models.ModelRoleRouter)
	if !ok {
		return routing.Plan{}, fmt.Errorf("no router model configured")
	}

	resp, err := client.Chat(ctx, ChatRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: consultSystemPrompt},
			{Role: models.RoleUser, Content: message},
		},
		MaxTokens: 256,
	})
	if err != nil {
		return routing.Plan{}, err
	}

	var reply consultReply
	if err := json5.Unmarshal([]byte(stripFences(resp.Content)), &reply); err != nil {
		return routing.Plan{}, fmt.Errorf("decode routing reply: %w", err)
	}
	role, err := models.ParseModelRole(strings.ToUpper(strings.TrimSpace(reply.TargetRole)))
	if err != nil {
		return routing.Plan{}, fmt.Errorf("routing reply: %w", err)
	}
	return routing.Plan{
		TargetRole: role,
		Confidence: reply.Confidence,
		Reason:     reply.Reason,
	}, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
