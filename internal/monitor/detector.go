package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector scans analysis scripts and their output for attempts to
// reach outside the sandbox. It complements the validator: the validator
// rejects, the detector only reports.
type EscapeDetector struct {
	patterns []DetectionPattern
	output   []outputPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

type outputPattern struct {
	name   string
	substr string
	sev    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
		output:   defaultOutputPatterns(),
	}
}

// AnalyzeCode checks a script for suspicious patterns before execution.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	for i, line := range strings.Split(code, "\n") {
		for _, p := range d.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
			})

			log.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("suspicious construct detected in script")
		}
	}

	return detections
}

// AnalyzeOutput checks captured output for signs of leaked host data.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection

	for _, p := range d.output {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}

	return detections
}

// Highest returns the most severe level among detections.
func Highest(detections []Detection) Severity {
	best := SeverityLow
	for _, d := range detections {
		for s := SeverityCritical; s > best; s-- {
			if d.Severity == s.String() {
				best = s
				break
			}
		}
	}
	return best
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "dunder_traversal",
			Description: "Walking object internals to recover hidden builtins",
			Regex:       regexp.MustCompile(`__(class|subclasses|globals|builtins|mro|bases|code|closure)__`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "shell_command",
			Description: "Spawning a shell or subprocess",
			Regex:       regexp.MustCompile(`\b(os\.system|os\.popen|subprocess\.\w+|pty\.spawn|os\.exec\w*)\s*\(`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "sensitive_file",
			Description: "Reading host credential or process files",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow|hosts)|/proc/self/(root|exe|fd|environ|maps)|\.ssh/`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting container breakout via cgroup or runtime sockets",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|release_agent|/var/run/(docker|containerd)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "network_access",
			Description: "Opening a network connection",
			Regex:       regexp.MustCompile(`\b(urlopen|requests\.(get|post|put)|socket\.socket|http\.client)\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "environment_access",
			Description: "Reading process environment for secrets",
			Regex:       regexp.MustCompile(`\b(os\.environ|getenv)\b`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "obfuscated_exec",
			Description: "Decoding a payload for dynamic execution",
			Regex:       regexp.MustCompile(`(?i)(b64decode|codecs\.decode|marshal\.loads|pickle\.loads|bytes\.fromhex)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell command",
			Regex:       regexp.MustCompile(`(?i)(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}

func defaultOutputPatterns() []outputPattern {
	return []outputPattern{
		{"root_access", "root:x:0:0", SeverityCritical},
		{"private_key", "PRIVATE KEY-----", SeverityCritical},
		{"docker_socket", "docker.sock", SeverityCritical},
		{"containerd_socket", "containerd.sock", SeverityCritical},
		{"kernel_leak", "Linux version", SeverityHigh},
		{"cloud_credentials", "AWS_SECRET_ACCESS_KEY", SeverityHigh},
	}
}
