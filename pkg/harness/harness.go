// Package harness generates the JavaScript wrapper that untrusted agent
// code runs inside. The wrapper shadows ambient host globals, binds an
// explicit set of context variables, captures console output, and reports
// the outcome as a single JSON envelope on stdout.
package harness

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// sentinelPrefix starts every envelope sentinel. The full sentinel carries a
// per-build random suffix so agent code cannot forge an envelope line: the
// suffix lives in a wrapper const that is shadowed inside the agent scope.
const sentinelPrefix = "__AGENT_ENVELOPE_"

// Capability names grantable to sandboxed code.
const (
	CapabilityNet    = "net"
	CapabilityTimers = "timers"
)

// Envelope is the wire result emitted by the wrapper.
type Envelope struct {
	OK        bool            `json:"ok"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
	Logs      []string        `json:"logs"`
	HeapUsed  int64           `json:"heap_used"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// Builder assembles a harness around a code payload. Zero value is not
// usable; start from NewBuilder.
type Builder struct {
	bindings     map[string]json.RawMessage
	capabilities map[string]bool
	input        json.RawMessage
	egressURL    string
	egressSecret string
	execID       string
	sentinel     string
}

func NewBuilder() *Builder {
	suffix := make([]byte, 8)
	_, _ = rand.Read(suffix)
	return &Builder{
		bindings:     make(map[string]json.RawMessage),
		capabilities: make(map[string]bool),
		sentinel:     sentinelPrefix + hex.EncodeToString(suffix) + "__",
	}
}

// Sentinel returns the envelope marker this build emits. Callers hold on to
// it to parse the envelope out of stdout.
func (b *Builder) Sentinel() string {
	return b.sentinel
}

// Bind exposes a named, frozen value to the agent code. The value must be
// JSON-marshalable; anything else fails at Build time.
func (b *Builder) Bind(name string, value any) *Builder {
	raw, err := json.Marshal(value)
	if err != nil {
		// Recorded as a poisoned binding so Build can surface the error.
		b.bindings[name] = nil
		return b
	}
	b.bindings[name] = raw
	return b
}

// WithInput sets the argument passed to processRequest.
func (b *Builder) WithInput(input any) *Builder {
	raw, err := json.Marshal(input)
	if err != nil {
		b.input = nil
		return b
	}
	b.input = raw
	return b
}

// Allow grants a capability to the wrapped code.
func (b *Builder) Allow(capabilities ...string) *Builder {
	for _, c := range capabilities {
		b.capabilities[c] = true
	}
	return b
}

// WithEgress routes the fetch shim through the given audit gateway. The
// secret is presented on every forwarded request; pass "" when the gateway
// does not enforce one. Only meaningful when the net capability is granted.
func (b *Builder) WithEgress(gatewayURL, secret string) *Builder {
	b.egressURL = gatewayURL
	b.egressSecret = secret
	return b
}

// WithExecID tags gateway requests with the owning execution so egress audit
// lines correlate with the execution log.
func (b *Builder) WithExecID(id string) *Builder {
	b.execID = id
	return b
}

var identRe = mustIdent()

// Build produces the complete harness source. The agent code is inlined
// verbatim inside an async IIFE whose lexical scope shadows every ambient
// global not covered by a granted capability.
func (b *Builder) Build(code string) (string, error) {
	for name, raw := range b.bindings {
		if !identRe(name) {
			return "", fmt.Errorf("binding %q is not a valid identifier", name)
		}
		if raw == nil {
			return "", fmt.Errorf("binding %q is not JSON-marshalable", name)
		}
	}

	input := b.input
	if input == nil {
		input = json.RawMessage("{}")
	}

	var sb strings.Builder
	sb.WriteString("'use strict';\n")
	sb.WriteString("const __write = process.stdout.write.bind(process.stdout);\n")
	sb.WriteString("const __mem = () => process.memoryUsage().heapUsed;\n")
	sb.WriteString("const __hrtime = process.hrtime.bigint;\n")
	sb.WriteString(consoleCapture)

	if b.capabilities[CapabilityNet] {
		sb.WriteString(fmt.Sprintf("const __egress = %s;\n", jsString(b.egressURL)))
		sb.WriteString(fmt.Sprintf("const __egressSecret = %s;\n", jsString(b.egressSecret)))
		sb.WriteString(fmt.Sprintf("const __execId = %s;\n", jsString(b.execID)))
		sb.WriteString(netShim)
	} else {
		sb.WriteString("const __fetch = () => { throw new Error('network access is not permitted'); };\n")
	}

	sb.WriteString(fmt.Sprintf("const __input = %s;\n", jsLiteral(input)))
	sb.WriteString(fmt.Sprintf("const __sentinel = %s;\n", jsString(b.sentinel)))
	sb.WriteString(emitFunc)

	sb.WriteString("const __start = __hrtime();\n")
	sb.WriteString("(async () => {\n")

	// Shadowing consts: anything the code could use to reach the host.
	// Wrapper internals first, so agent code cannot write raw stdout, read
	// the sentinel, or bypass the egress shim; __emit stays reachable (calling
	// it is equivalent to returning early).
	sb.WriteString("const __write = undefined, __mem = undefined, __hrtime = undefined, __start = undefined;\n")
	sb.WriteString("const __logs = undefined, __fmt = undefined, __capture = undefined, __sentinel = undefined;\n")
	sb.WriteString("const __hostFetch = undefined, __egress = undefined, __egressSecret = undefined, __execId = undefined;\n")
	sb.WriteString("const process = undefined, require = undefined, module = undefined, exports = undefined;\n")
	sb.WriteString("const document = undefined, window = undefined, navigator = undefined;\n")
	sb.WriteString("const localStorage = undefined, sessionStorage = undefined;\n")
	// `eval` cannot be a binding name in strict mode; the node flag
	// --disallow-code-generation-from-strings neutralizes it instead.
	sb.WriteString("const Function = undefined, WebAssembly = undefined;\n")
	sb.WriteString("const fetch = __fetch, XMLHttpRequest = undefined;\n")
	if !b.capabilities[CapabilityTimers] {
		sb.WriteString("const setTimeout = undefined, setInterval = undefined, setImmediate = undefined;\n")
	}
	sb.WriteString("const console = __console;\n")

	// Context bindings, in stable order.
	names := make([]string, 0, len(b.bindings))
	for name := range b.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sb.WriteString(fmt.Sprintf("const %s = Object.freeze(%s);\n", name, jsLiteral(b.bindings[name])))
	}

	sb.WriteString("\n// --- agent code ---\n")
	sb.WriteString(code)
	sb.WriteString("\n// --- end agent code ---\n")

	sb.WriteString(`
if (typeof processRequest !== 'function') {
  __emit({ ok: true, value: { error: 'processRequest is not defined' } });
  return;
}
const value = await processRequest(__input);
__emit({ ok: true, value: value === undefined ? null : value });
})().catch((e) => {
  __emit({ ok: false, error: e && e.stack ? String(e.message || e) : String(e) });
});
`)

	return sb.String(), nil
}

// ParseEnvelope extracts the result envelope from raw process stdout, keyed
// by the build's sentinel. The last sentinel line wins; the wrapper emits
// exactly one under normal operation but a process dying mid-write could
// leave noise.
func ParseEnvelope(sentinel, stdout string) (*Envelope, bool) {
	if sentinel == "" {
		return nil, false
	}
	var payload string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, sentinel) {
			payload = strings.TrimPrefix(line, sentinel)
		}
	}
	if payload == "" {
		return nil, false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, false
	}
	return &env, true
}

// jsLiteral embeds raw JSON as a JavaScript literal. U+2028/U+2029 are valid
// in JSON strings but terminate lines in pre-ES2019 JS, and escaping them is
// harmless everywhere else.
func jsLiteral(raw json.RawMessage) string {
	s := string(raw)
	s = strings.ReplaceAll(s, "\u2028", `\u2028`)
	s = strings.ReplaceAll(s, "\u2029", `\u2029`)
	return s
}

func jsString(s string) string {
	raw, _ := json.Marshal(s)
	return jsLiteral(raw)
}

func mustIdent() func(string) bool {
	return func(s string) bool {
		if s == "" {
			return false
		}
		for i, r := range s {
			letter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || r == '$'
			digit := r >= '0' && r <= '9'
			if i == 0 && !letter {
				return false
			}
			if !letter && !digit {
				return false
			}
		}
		return true
	}
}

const consoleCapture = `const __logs = [];
const __fmt = (args) => args.map((a) => {
  if (typeof a === 'string') return a;
  try { return JSON.stringify(a); } catch { return String(a); }
}).join(' ');
const __capture = (level) => (...args) => {
  if (__logs.length < 1000) __logs.push(level + ': ' + __fmt(args));
};
const __console = Object.freeze({
  log: __capture('log'),
  info: __capture('info'),
  warn: __capture('warn'),
  error: __capture('error'),
  debug: __capture('debug'),
});
`

// netShim routes every outbound call through the egress gateway so the host
// observes it before it leaves the sandbox. The gateway secret and execution
// id ride along as headers. Falls back to direct fetch when no gateway is
// configured, still logging the attempt.
const netShim = `const __hostFetch = fetch;
const __fetch = (url, opts) => {
  const method = (opts && opts.method) || 'GET';
  __logs.push('net: ' + method + ' ' + String(url));
  if (__egress) {
    const fwd = Object.assign({}, opts);
    fwd.headers = Object.assign({}, opts && opts.headers, {
      'X-Gateway-Secret': __egressSecret,
      'X-Execution-Id': __execId,
    });
    return __hostFetch(__egress + '?url=' + encodeURIComponent(String(url)), fwd);
  }
  return __hostFetch(url, opts);
};
`

const emitFunc = `const __emit = (r) => {
  r.logs = __logs;
  r.heap_used = __mem();
  r.elapsed_ms = Number((__hrtime() - __start) / 1000000n);
  __write('\n' + __sentinel + JSON.stringify(r) + '\n');
};
`
