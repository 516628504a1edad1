package analysis

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
)

// HeadSize 262 bytes 是 filetype 库建议的文件头长度
const HeadSize = 262

// Risk levels reported by TypeInspector.
const (
	RiskHigh   = "HIGH"
	RiskMedium = "MEDIUM"
	RiskSafe   = "SAFE"
)

// Result 检测结果
type Result struct {
	IsMasquerade bool   // 是否是伪装文件
	RealExt      string // 真实的类型后缀 (根据文件头)
	DeclaredExt  string // 声明的后缀 (文件名)
	RiskLevel    string
	Message      string
}

// TypeInspector 文件类型检查器。aliasMap 只在构造时写入，之后只读，可并发使用。
type TypeInspector struct {
	aliasMap map[string]map[string]bool
}

// NewTypeInspector 初始化检查器
func NewTypeInspector() *TypeInspector {
	inspector := &TypeInspector{
		aliasMap: make(map[string]map[string]bool),
	}
	inspector.initRules()
	return inspector
}

// initRules 初始化兼容性规则 (白名单)
// 这里定义了哪些“表里不一”是合法的
func (t *TypeInspector) initRules() {
	allow := func(realType string, allowedExts ...string) {
		if _, ok := t.aliasMap[realType]; !ok {
			t.aliasMap[realType] = make(map[string]bool)
		}
		t.aliasMap[realType][realType] = true
		for _, ext := range allowedExts {
			t.aliasMap[realType][ext] = true
		}
	}

	// docx, xlsx 等本质都是 zip，最大的误报源
	allow("zip",
		"docx", "docm", "dotx", "dotm",
		"xlsx", "xlsm", "xltx", "xltm",
		"pptx", "pptm", "potx", "potm",
		"jar", "war", "ear", "apk",
		"odt", "ods", "odp",
		"crx", "whl", "nupkg",
	)
	allow("xml", "svg", "html", "htm", "kml", "dae", "plist", "config")
	allow("mp4", "m4v", "mov", "qt")
	allow("ogg", "ogv", "oga", "spx")
	allow("mov", "qt", "mp4")
	// .dll, .sys, .scr 也是 PE 格式
	allow("exe", "dll", "sys", "scr", "cpl", "ocx")
	allow("gz", "gzip", "tgz")
	allow("tar")
	allow("rar")
	allow("7z")
}

// Inspect 根据文件名和文件头判断是否伪装
func (t *TypeInspector) Inspect(fileName string, head []byte) *Result {
	rawExt := filepath.Ext(fileName)
	if rawExt == "" {
		// 没有后缀的文件暂且放行
		return &Result{RiskLevel: RiskSafe, Message: "No extension"}
	}
	declaredExt := strings.ToLower(strings.TrimPrefix(rawExt, "."))

	if len(head) == 0 {
		return &Result{DeclaredExt: declaredExt, RiskLevel: RiskSafe, Message: "Empty file"}
	}
	if len(head) > HeadSize {
		head = head[:HeadSize]
	}

	kind, _ := filetype.Match(head)
	// 很多纯文本文件(txt, go, c, py, md, json)会被识别为 Unknown
	if kind == filetype.Unknown {
		return &Result{
			RealExt:     "unknown",
			DeclaredExt: declaredExt,
			RiskLevel:   RiskSafe,
			Message:     "Unknown binary signature (likely text)",
		}
	}

	realExt := kind.Extension
	if realExt == declaredExt {
		return &Result{RealExt: realExt, DeclaredExt: declaredExt, RiskLevel: RiskSafe}
	}

	if t.aliasMap[realExt][declaredExt] {
		return &Result{
			RealExt:     realExt,
			DeclaredExt: declaredExt,
			RiskLevel:   RiskSafe,
			Message:     fmt.Sprintf("Allowed alias: %s is compatible with %s", declaredExt, realExt),
		}
	}

	risk := RiskMedium
	if realExt == "exe" || realExt == "elf" || realExt == "dll" {
		risk = RiskHigh // 可执行文件伪装成其他格式，极度危险
	}
	return &Result{
		IsMasquerade: true,
		RealExt:      realExt,
		DeclaredExt:  declaredExt,
		RiskLevel:    risk,
		Message:      fmt.Sprintf("Type Mismatch! Header is '%s' but file is '%s'", realExt, declaredExt),
	}
}
