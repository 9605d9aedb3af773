package verify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/stagehand/stagehand/pkg/models"
)

// Framework describes one supported test framework: how to recognize a
// project using it, how to run its suite, and how to read the output.
type Framework struct {
	Name    string
	Markers []string
	Command []string
	Parse   func(output string, exitOK bool) *models.VerificationResult
}

// frameworks is the detection order. The first framework whose marker
// exists in the workspace wins.
var frameworks = []Framework{
	{
		Name:    "npm",
		Markers: []string{"package.json"},
		Command: []string{"npm", "test", "--", "--json"},
		Parse:   parseNpm,
	},
	{
		Name:    "pytest",
		Markers: []string{"pytest.ini", "pyproject.toml", "setup.py", "tests/"},
		Command: []string{"pytest", "--tb=short", "-q"},
		Parse:   parsePytest,
	},
	{
		Name:    "cargo",
		Markers: []string{"Cargo.toml"},
		Command: []string{"cargo", "test"},
		Parse:   parseCargo,
	},
	{
		Name:    "gotest",
		Markers: []string{"go.mod"},
		Command: []string{"go", "test", "-v", "./..."},
		Parse:   parseGoTest,
	},
}

// Detect returns the framework matching the workspace, or false when no
// marker is present.
func Detect(workspace string) (Framework, bool) {
	for _, fw := range frameworks {
		for _, marker := range fw.Markers {
			path := filepath.Join(workspace, strings.TrimSuffix(marker, "/"))

			info, err := os.Stat(path)
			if err != nil {
				continue
			}

			if strings.HasSuffix(marker, "/") && !info.IsDir() {
				continue
			}

			return fw, true
		}
	}

	return Framework{}, false
}

func frameworkByName(name string) (Framework, bool) {
	for _, fw := range frameworks {
		if fw.Name == name {
			return fw, true
		}
	}

	return Framework{}, false
}

type npmReport struct {
	Success        bool `json:"success"`
	NumTotalTests  int  `json:"numTotalTests"`
	NumPassedTests int  `json:"numPassedTests"`
	NumFailedTests int  `json:"numFailedTests"`
}

func parseNpm(output string, exitOK bool) *models.VerificationResult {
	// Jest prints its JSON document on the last non-empty line; test
	// runner banners come before it.
	for _, line := range reverseLines(output) {
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var report npmReport
		if err := json.Unmarshal([]byte(line), &report); err != nil {
			continue
		}

		result := &models.VerificationResult{
			Framework:    "npm",
			TotalChecks:  report.NumTotalTests,
			PassedChecks: report.NumPassedTests,
		}

		if report.Success {
			result.Status = models.VerificationPassed
		} else {
			result.Status = models.VerificationFailed
			result.FailureMessages = []string{
				strconv.Itoa(report.NumFailedTests) + " tests failed",
			}
		}

		return result
	}

	return fallbackResult("npm", output, exitOK)
}

var (
	pytestPassedRe  = regexp.MustCompile(`(\d+) passed`)
	pytestFailedRe  = regexp.MustCompile(`(\d+) failed`)
	pytestErroredRe = regexp.MustCompile(`(\d+) error`)
	pytestFailLine  = regexp.MustCompile(`(?m)^FAILED .+$`)
)

func parsePytest(output string, exitOK bool) *models.VerificationResult {
	passed := firstInt(pytestPassedRe, output)
	failed := firstInt(pytestFailedRe, output) + firstInt(pytestErroredRe, output)

	result := &models.VerificationResult{
		Framework:    "pytest",
		TotalChecks:  passed + failed,
		PassedChecks: passed,
	}

	if exitOK {
		result.Status = models.VerificationPassed

		return result
	}

	result.Status = models.VerificationFailed
	result.FailureMessages = pytestFailLine.FindAllString(output, -1)

	if len(result.FailureMessages) == 0 {
		result.FailureMessages = []string{outputTail(output)}
	}

	return result
}

var (
	cargoOkRe   = regexp.MustCompile(`test .+ \.\.\. ok`)
	cargoFailRe = regexp.MustCompile(`test (.+) \.\.\. FAILED`)
)

func parseCargo(output string, exitOK bool) *models.VerificationResult {
	passed := len(cargoOkRe.FindAllString(output, -1))
	failures := cargoFailRe.FindAllStringSubmatch(output, -1)

	result := &models.VerificationResult{
		Framework:    "cargo",
		TotalChecks:  passed + len(failures),
		PassedChecks: passed,
	}

	if exitOK {
		result.Status = models.VerificationPassed

		return result
	}

	result.Status = models.VerificationFailed

	for _, match := range failures {
		result.FailureMessages = append(result.FailureMessages, match[1]+" failed")
	}

	if len(result.FailureMessages) == 0 {
		result.FailureMessages = []string{outputTail(output)}
	}

	return result
}

var (
	goPassRe = regexp.MustCompile(`--- PASS:`)
	goFailRe = regexp.MustCompile(`--- FAIL: (\S+)`)
)

func parseGoTest(output string, exitOK bool) *models.VerificationResult {
	passed := len(goPassRe.FindAllString(output, -1))
	failures := goFailRe.FindAllStringSubmatch(output, -1)

	result := &models.VerificationResult{
		Framework:    "gotest",
		TotalChecks:  passed + len(failures),
		PassedChecks: passed,
	}

	if exitOK {
		result.Status = models.VerificationPassed

		return result
	}

	result.Status = models.VerificationFailed

	for _, match := range failures {
		result.FailureMessages = append(result.FailureMessages, match[1]+" failed")
	}

	if len(result.FailureMessages) == 0 {
		result.FailureMessages = []string{outputTail(output)}
	}

	return result
}

// fallbackResult covers output the framework parser cannot read: trust
// the exit code, keep a tail of the raw output for the failure case.
func fallbackResult(framework, output string, exitOK bool) *models.VerificationResult {
	result := &models.VerificationResult{Framework: framework}

	if exitOK {
		result.Status = models.VerificationPassed
		result.TotalChecks = 1
		result.PassedChecks = 1

		return result
	}

	result.Status = models.VerificationFailed
	result.TotalChecks = 1
	result.FailureMessages = []string{outputTail(output)}

	return result
}

func firstInt(re *regexp.Regexp, s string) int {
	match := re.FindStringSubmatch(s)
	if match == nil {
		return 0
	}

	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}

	return n
}

func reverseLines(s string) []string {
	lines := strings.Split(strings.TrimSpace(s), "\n")

	out := make([]string, 0, len(lines))
	for n := len(lines) - 1; n >= 0; n-- {
		line := strings.TrimSpace(lines[n])
		if line != "" {
			out = append(out, line)
		}
	}

	return out
}

func outputTail(s string) string {
	s = strings.TrimSpace(s)

	const max = 1024
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}

	return s
}
