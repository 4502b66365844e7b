package executor

import (
	"encoding/json"
	"sync"
)

// turnOutcome is what one spawned provider process produced for a
// single turn, normalized across drivers (§4.8, §C8 usage accounting).
type turnOutcome struct {
	finalResponse string
	contextLength int
	isError       bool
	errorMessage  string
}

// outputParser watches a provider driver's raw NDJSON output lines
// (provider.OutputHandler) for the terminal event of one turn and
// extracts finalResponse/contextLength from it. The provider package
// only tracks the session-resume handle internally; everything else
// about a turn's outcome is this package's responsibility, since
// provider.Driver exposes no structured result (§4.5, §4.8).
type outputParser struct {
	providerName string

	mu      sync.Mutex
	outcome turnOutcome

	done      chan struct{}
	closeOnce sync.Once
}

func newOutputParser(providerName string) *outputParser {
	return &outputParser{providerName: providerName, done: make(chan struct{})}
}

// HandleLine is a provider.OutputHandler.
func (p *outputParser) HandleLine(line []byte) {
	if p.providerName == "codex" {
		p.handleCodexLine(line)
		return
	}
	p.handleClaudeLine(line)
}

// Done closes once the turn's terminal event has been observed.
func (p *outputParser) Done() <-chan struct{} {
	return p.done
}

func (p *outputParser) Outcome() turnOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

// claudeResultLine mirrors Claude Code's terminal stream-json "result"
// event (same shape grounded on provider.claudeResultEvent, extended
// with the fields the Executor itself needs: the final answer text and
// the error discriminator).
type claudeResultLine struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
	Usage   struct {
		InputTokens         int `json:"input_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
		CacheCreationTokens int `json:"cache_creation_input_tokens"`
		OutputTokens        int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *outputParser) handleClaudeLine(line []byte) {
	var ev claudeResultLine
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type != "result" {
		return
	}

	contextLength := ev.Usage.InputTokens + ev.Usage.CacheReadTokens + ev.Usage.CacheCreationTokens + ev.Usage.OutputTokens

	p.mu.Lock()
	p.outcome.finalResponse = ev.Result
	p.outcome.contextLength = contextLength
	p.outcome.isError = ev.IsError
	if ev.IsError {
		p.outcome.errorMessage = "provider reported an error result"
	}
	p.mu.Unlock()

	p.closeOnce.Do(func() { close(p.done) })
}

// codexAgentMessageLine carries the final assistant text of a codex
// exec --json turn.
type codexAgentMessageLine struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// codexTokenCountLine mirrors provider.codexTokenCountEvent, extended
// with the usage totals the Executor needs for contextLength.
type codexTokenCountLine struct {
	Type string `json:"type"`
	Info struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"info"`
}

func (p *outputParser) handleCodexLine(line []byte) {
	var msg codexAgentMessageLine
	if err := json.Unmarshal(line, &msg); err == nil && msg.Type == "agent_message" {
		p.mu.Lock()
		p.outcome.finalResponse = msg.Message
		p.mu.Unlock()
		return
	}

	var tok codexTokenCountLine
	if err := json.Unmarshal(line, &tok); err == nil && tok.Type == "token_count" {
		p.mu.Lock()
		p.outcome.contextLength = tok.Info.InputTokens + tok.Info.OutputTokens
		p.mu.Unlock()
		// Codex has no separate success/failure marker in-band; the
		// last token_count event of a turn is what closes it out.
		p.closeOnce.Do(func() { close(p.done) })
	}
}
