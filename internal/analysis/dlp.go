package analysis

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Hara602/usbguard/internal/model"
)

// Policy keys read by the scanner.
const (
	PolicyBlockMasquerade = "dlp_block_masquerade"
	PolicyLogFileEvents   = "log_file_events"
)

// RuleSource 敏感内容规则的来源，每次扫描都重新读取
type RuleSource interface {
	GetSensitiveKeywords(ctx context.Context) ([]model.KeywordRule, error)
	GetSensitiveRegex(ctx context.Context) ([]model.RegexRule, error)
	GetPolicies(ctx context.Context) (map[string]string, error)
}

// Ruleset 一次扫描使用的规则快照
type Ruleset struct {
	Keywords        []model.KeywordRule
	Regex           []model.RegexRule
	BlockMasquerade bool
	LogFileEvents   bool
}

// LoadRuleset 从存储读取当前规则
func LoadRuleset(ctx context.Context, src RuleSource) (Ruleset, error) {
	var rs Ruleset
	policies, err := src.GetPolicies(ctx)
	if err != nil {
		return rs, err
	}
	rs.BlockMasquerade = policies[PolicyBlockMasquerade] == "true"
	rs.LogFileEvents = policies[PolicyLogFileEvents] != "false"

	if rs.Keywords, err = src.GetSensitiveKeywords(ctx); err != nil {
		return rs, err
	}
	if rs.Regex, err = src.GetSensitiveRegex(ctx); err != nil {
		return rs, err
	}
	return rs, nil
}

// Empty 没有规则就不扫描
func (r Ruleset) Empty() bool {
	return len(r.Keywords) == 0 && len(r.Regex) == 0 && !r.BlockMasquerade
}

// Match kinds.
const (
	MatchKeyword    = "keyword"
	MatchRegex      = "regex"
	MatchMasquerade = "masquerade"
)

// Match 第一个命中的规则
type Match struct {
	Kind   string
	Rule   string
	Reason string
}

// InvalidRule 编译失败的正则，本次扫描跳过
type InvalidRule struct {
	Pattern string
	Err     error
}

// Scanner 对文件内容执行规则匹配
type Scanner struct {
	inspector *TypeInspector
}

func NewScanner() *Scanner {
	return &Scanner{inspector: NewTypeInspector()}
}

// Scan 按 关键字 -> 正则 -> 伪装类型 的顺序匹配，第一个命中即返回。
// 内容按文本处理，非法 UTF-8 字节被丢弃。
func (s *Scanner) Scan(rs Ruleset, fileName string, data []byte) (*Match, []InvalidRule) {
	content := strings.ToValidUTF8(string(data), "")

	for _, kw := range rs.Keywords {
		if kw.Keyword == "" {
			continue
		}
		if strings.Contains(content, kw.Keyword) {
			return &Match{Kind: MatchKeyword, Rule: kw.Keyword, Reason: "Keyword: " + kw.Keyword}, nil
		}
	}

	var invalid []InvalidRule
	for _, rr := range rs.Regex {
		re, err := regexp.Compile(rr.Pattern)
		if err != nil {
			invalid = append(invalid, InvalidRule{Pattern: rr.Pattern, Err: err})
			continue
		}
		if re.MatchString(content) {
			return &Match{
				Kind:   MatchRegex,
				Rule:   rr.Pattern,
				Reason: fmt.Sprintf("Regex: %s (%s)", rr.Description, rr.Pattern),
			}, invalid
		}
	}

	if rs.BlockMasquerade {
		if res := s.inspector.Inspect(fileName, data); res.IsMasquerade && res.RiskLevel == RiskHigh {
			return &Match{Kind: MatchMasquerade, Rule: res.RealExt, Reason: "Masquerade: " + res.Message}, invalid
		}
	}
	return nil, invalid
}
