package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goldfinch-research/orchestrator/internal/domains"
	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

const listQueriesPrompt = `You research testing, inspection and certification requirements for import and export.
Write 2 or 3 non-overlapping English search queries that together retrieve a complete list of the certifications, standards and approvals the product in the research question needs.
Use authoritative keywords: standards bodies, regulation names, testing protocols.
Answer with a JSON object {"queries": ["..."]} and nothing else.`

const searchQueriesPrompt = `You turn a research question into web search queries.
Identify every critical fact in the question (topic, object, specifications, time frame, geography) and write 1 or 2 English search queries that together cover all of them.
Do not invent or drop details from the question.
Answer with a JSON object {"queries": ["..."]} and nothing else.`

const mappingPrompt = `You map search queries to the websites most likely to answer them.
For each query consider the certification type, market or region, industry sector and the kind of information needed.
Only include websites that are highly relevant; an empty list is fine.
Answer with a JSON object {"mappings": [{"query": "...", "websites": ["domain.com"]}]} with exactly one mapping per query, in the given order, using bare domains.`

// Planner generates search queries and domain mappings with the model.
type Planner struct {
	client     *Client
	model      string
	maxQueries int
}

// NewPlanner creates a planner using the client's planner model.
func NewPlanner(client *Client) *Planner {
	model := client.cfg.PlannerModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Planner{client: client, model: model, maxQueries: client.cfg.MaxQueries}
}

// GenerateQueries implements workflow.Planner.
func (p *Planner) GenerateQueries(ctx context.Context, question string, wt workflow.WorkflowType) ([]string, error) {
	prompt := searchQueriesPrompt
	if wt == workflow.TypeProvideList {
		prompt = listQueriesPrompt
	}
	msg, err := p.client.complete(ctx, "planner", chatRequest{
		Model: p.model,
		Messages: []message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: "Research Question: " + question},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(stripFence(msg.Content)), &out); err != nil {
		return nil, fmt.Errorf("%w: queries: %v", ErrMalformedResponse, err)
	}
	if len(out.Queries) > p.maxQueries {
		out.Queries = out.Queries[:p.maxQueries]
	}
	return out.Queries, nil
}

// MapDomains implements workflow.Planner. Mappings are matched to queries by
// position.
func (p *Planner) MapDomains(ctx context.Context, queries []string, catalog []domains.Domain) ([][]string, error) {
	var b strings.Builder
	b.WriteString("Research Queries:\n")
	for i, q := range queries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	b.WriteString("\nWebsites:\n")
	for _, d := range catalog {
		b.WriteString(describeDomain(d))
		b.WriteString("\n\n")
	}

	msg, err := p.client.complete(ctx, "mapping", chatRequest{
		Model: p.model,
		Messages: []message{
			{Role: "system", Content: mappingPrompt},
			{Role: "user", Content: b.String()},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Mappings []struct {
			Query    string   `json:"query"`
			Websites []string `json:"websites"`
		} `json:"mappings"`
	}
	if err := json.Unmarshal([]byte(stripFence(msg.Content)), &out); err != nil {
		return nil, fmt.Errorf("%w: mappings: %v", ErrMalformedResponse, err)
	}
	if len(out.Mappings) != len(queries) {
		return nil, fmt.Errorf("%w: %d mappings for %d queries", ErrMalformedResponse, len(out.Mappings), len(queries))
	}
	result := make([][]string, len(out.Mappings))
	for i, m := range out.Mappings {
		result[i] = m.Websites
	}
	return result, nil
}

func describeDomain(d domains.Domain) string {
	orNone := func(xs []string, none string) string {
		if len(xs) == 0 {
			return none
		}
		return strings.Join(xs, ", ")
	}
	return fmt.Sprintf("Website: %s\n- Domain: %s\n- Region: %s\n- Organization Type: %s\n- Aliases: %s\n- Industry Focus: %s\n- Semantic Profile: %s\n- Boost Keywords: %s",
		d.Name, d.Domain, d.Region, d.OrgType,
		orNone(d.Aliases, "None"), orNone(d.IndustryTags, "General"),
		d.SemanticProfile, orNone(d.BoostKeywords, "None"))
}

// stripFence removes a ```json fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
