// Package analyzer classifies task prompts: task type, complexity, language
// hints, file scope, and the capability tags the router matches against.
package analyzer

import (
	"regexp"
	"sort"
	"strings"
)

// TaskType is the detected category of a prompt.
type TaskType string

const (
	TypeCodeReview           TaskType = "code_review"
	TypeDebugging            TaskType = "debugging"
	TypeCodeGeneration       TaskType = "code_generation"
	TypeRefactoring          TaskType = "refactoring"
	TypeTesting              TaskType = "testing"
	TypeDocumentation        TaskType = "documentation"
	TypeSecurityAudit        TaskType = "security_audit"
	TypeArchitecture         TaskType = "architecture"
	TypeResearchIntelligence TaskType = "research_intelligence"
	TypeDataHarvesting       TaskType = "data_harvesting"
	TypeSecurityOperations   TaskType = "security_operations"
	TypeGeneral              TaskType = "general"
)

// Complexity grades how involved a task looks.
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

// Context carries optional submission context that refines the analysis.
type Context struct {
	// Files explicitly attached to or named by the submission.
	Files []string
}

// Analysis is the structured result of analyzing a prompt.
type Analysis struct {
	TaskType              TaskType   `json:"task_type"`
	Complexity            Complexity `json:"complexity"`
	Tags                  []string   `json:"tags"`
	DetectedLanguages     []string   `json:"detected_languages"`
	FileScope             int        `json:"file_scope"`
	SuggestedCapabilities []string   `json:"suggested_capabilities"`
	Confidence            float64    `json:"confidence"`
}

var taskPatterns = map[TaskType][]string{
	TypeCodeReview: {
		"review", "analyze", "check", "audit", "inspect", "look at",
		"quality", "feedback", "evaluate", "assess",
	},
	TypeDebugging: {
		"debug", "fix", "bug", "error", "issue", "problem", "crash",
		"broken", "failing", "exception", "traceback", "stack trace",
	},
	TypeCodeGeneration: {
		"write", "create", "implement", "build", "develop", "generate",
		"add", "make", "construct", "scaffold",
	},
	TypeRefactoring: {
		"refactor", "restructure", "reorganize", "improve", "optimize",
		"clean up", "simplify", "extract", "decompose",
	},
	TypeTesting: {
		"test", "testing", "unit test", "integration test", "pytest",
		"coverage", "spec", "assertion", "mock",
	},
	TypeDocumentation: {
		"document", "documentation", "docstring", "readme", "comment",
		"explain", "describe", "annotate",
	},
	TypeSecurityAudit: {
		"security", "vulnerability", "exploit", "injection", "xss",
		"auth", "permission", "csrf", "owasp", "hardening",
	},
	TypeArchitecture: {
		"architecture", "design", "pattern", "structure", "diagram",
		"system design", "microservice", "api design", "schema",
	},
	TypeResearchIntelligence: {
		"market scan", "competitive analysis", "market intelligence",
		"technology radar", "trend research", "trend analysis",
		"insights", "research report", "competitive landscape",
		"industry analysis", "market research",
	},
	TypeDataHarvesting: {
		"harvest", "data collection", "data source", "data quality",
		"data pipeline", "data ingestion", "source monitoring",
		"data audit", "scrape", "crawl", "extract data",
	},
	TypeSecurityOperations: {
		"threat assessment", "security scan", "compliance audit",
		"security posture", "alert management", "continuous monitoring",
		"threat detection", "incident response", "access review",
		"security monitoring", "vulnerability scan",
	},
}

var complexKeywords = []string{
	"complex", "architecture", "redesign", "migrate", "entire",
	"all files", "multiple files", "large", "comprehensive",
	"across the codebase", "system-wide",
}

var simpleKeywords = []string{
	"simple", "quick", "small", "minor", "typo", "rename",
	"one file", "single", "trivial",
}

var languagePatterns = map[string][]*regexp.Regexp{
	"python":     compileAll(`\.py\b`, `(?i)\bpython\b`, `(?i)\bpytest\b`, `(?i)\bdjango\b`, `(?i)\bflask\b`),
	"javascript": compileAll(`\.js\b`, `(?i)\bjavascript\b`, `(?i)\bnode\b`, `(?i)\breact\b`, `(?i)\bnpm\b`),
	"typescript": compileAll(`\.ts\b`, `(?i)\btypescript\b`, `(?i)\bangular\b`, `\.tsx\b`),
	"rust":       compileAll(`\.rs\b`, `(?i)\brust\b`, `(?i)\bcargo\b`),
	"go":         compileAll(`\.go\b`, `(?i)\bgolang\b`),
	"java":       compileAll(`\.java\b`, `(?i)\bjava\b`, `(?i)\bspring\b`, `(?i)\bmaven\b`),
	"sql":        compileAll(`(?i)\bsql\b`, `(?i)\bquery\b`, `(?i)\bdatabase\b`, `(?i)\btable\b`),
}

var tagMap = map[TaskType][]string{
	TypeCodeReview:           {"code_review"},
	TypeDebugging:            {"debugging"},
	TypeCodeGeneration:       {"code_generation"},
	TypeRefactoring:          {"refactoring"},
	TypeTesting:              {"testing"},
	TypeDocumentation:        {"documentation"},
	TypeSecurityAudit:        {"security_audit"},
	TypeArchitecture:         {"architecture"},
	TypeResearchIntelligence: {"research_intelligence", "research", "strategic_planning"},
	TypeDataHarvesting:       {"data_harvesting", "data_governance", "operational_planning"},
	TypeSecurityOperations:   {"security_operations", "security_audit", "compliance", "risk_assessment"},
	TypeGeneral:              {"general"},
}

var filePathPattern = regexp.MustCompile(`[\w./\\-]+\.(?:py|js|ts|go|rs|java)\b`)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Analyzer is a stateless prompt classifier.
type Analyzer struct{}

// New creates an analyzer.
func New() *Analyzer {
	return &Analyzer{}
}

// Analyze classifies a prompt with optional submission context.
func (a *Analyzer) Analyze(prompt string, taskCtx *Context) Analysis {
	if taskCtx == nil {
		taskCtx = &Context{}
	}
	lower := strings.ToLower(prompt)

	taskType, confidence := detectTaskType(lower)
	complexity := detectComplexity(lower, taskCtx)
	languages := detectLanguages(prompt)
	fileScope := estimateFileScope(lower, taskCtx)

	tags := tagMap[taskType]
	if tags == nil {
		tags = []string{"general"}
	}

	capabilities := append([]string(nil), tags...)
	capabilities = append(capabilities, languages...)
	if complexity == Complex {
		capabilities = append(capabilities, "architecture")
	}

	return Analysis{
		TaskType:              taskType,
		Complexity:            complexity,
		Tags:                  tags,
		DetectedLanguages:     languages,
		FileScope:             fileScope,
		SuggestedCapabilities: capabilities,
		Confidence:            confidence,
	}
}

func detectTaskType(lower string) (TaskType, float64) {
	bestType := TypeGeneral
	bestScore := 0
	types := make([]TaskType, 0, len(taskPatterns))
	for t := range taskPatterns {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		score := 0
		for _, kw := range taskPatterns[t] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			bestType = t
		}
	}

	if bestScore == 0 {
		return TypeGeneral, 0.3
	}

	denom := float64(len(taskPatterns[bestType])) * 0.3
	if denom < 1 {
		denom = 1
	}
	confidence := float64(bestScore) / denom
	if confidence > 1 {
		confidence = 1
	}
	return bestType, confidence
}

func detectComplexity(lower string, taskCtx *Context) Complexity {
	for _, kw := range complexKeywords {
		if strings.Contains(lower, kw) {
			return Complex
		}
	}
	for _, kw := range simpleKeywords {
		if strings.Contains(lower, kw) {
			return Simple
		}
	}

	switch count := len(taskCtx.Files); {
	case count > 5:
		return Complex
	case count > 2:
		return Moderate
	}

	switch length := len(lower); {
	case length > 500:
		return Complex
	case length < 100:
		return Simple
	}
	return Moderate
}

func detectLanguages(prompt string) []string {
	names := make([]string, 0, len(languagePatterns))
	for lang := range languagePatterns {
		names = append(names, lang)
	}
	sort.Strings(names)

	var detected []string
	for _, lang := range names {
		for _, pattern := range languagePatterns[lang] {
			if pattern.MatchString(prompt) {
				detected = append(detected, lang)
				break
			}
		}
	}
	return detected
}

func estimateFileScope(lower string, taskCtx *Context) int {
	if len(taskCtx.Files) > 0 {
		return len(taskCtx.Files)
	}

	for _, cue := range []string{"entire", "all files", "codebase", "whole project"} {
		if strings.Contains(lower, cue) {
			return 50
		}
	}
	for _, cue := range []string{"multiple files", "several files", "across"} {
		if strings.Contains(lower, cue) {
			return 10
		}
	}
	for _, cue := range []string{"this file", "single file", "one file"} {
		if strings.Contains(lower, cue) {
			return 1
		}
	}

	unique := map[string]bool{}
	for _, path := range filePathPattern.FindAllString(lower, -1) {
		unique[path] = true
	}
	if len(unique) > 1 {
		return len(unique)
	}
	return 1
}
