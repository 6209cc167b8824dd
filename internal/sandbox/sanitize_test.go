package sandbox

import (
	"strings"
	"testing"
)

func TestSanitizeSource_Rejections(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"eval call", `function processRequest(i) { return eval("1+1"); }`},
		{"eval with space", `eval ("x")`},
		{"new Function", `const f = new Function("return 1");`},
		{"Function with string arg", `Function('return this')()`},
		{"require", `const fs = require("fs");`},
		{"dynamic import", `import("child_process")`},
		{"process env", `return process.env.SECRET;`},
		{"process exit", `process.exit(1)`},
		{"process binding", `process.binding("spawn_sync")`},
		{"constructor string walk", `({}).constructor("return this")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SanitizeSource(tt.code)
			if err == nil {
				t.Fatalf("SanitizeSource(%q) = nil, want rejection", tt.code)
			}
			if !strings.Contains(err.Error(), "rejected by sanitizer") {
				t.Errorf("error %q should name the sanitizer", err)
			}
			if !strings.Contains(err.Error(), "offset") {
				t.Errorf("error %q should carry the match offset", err)
			}
		})
	}
}

func TestSanitizeSource_CleanCode(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"plain function", `function processRequest(input) { return { sum: input.a + input.b }; }`},
		{"evaluation as word", `// evaluate the score\nfunction processRequest() { return "evaluation done"; }`},
		{"importance as word", `const importance = 5;`},
		{"requirements as word", `const requirements = ["a"];`},
		{"console usage", `function processRequest() { console.log("hi"); return 1; }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := SanitizeSource(tt.code); err != nil {
				t.Errorf("SanitizeSource(%q) = %v, want nil", tt.code, err)
			}
		})
	}
}
