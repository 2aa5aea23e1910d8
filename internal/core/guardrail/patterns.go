package guardrail

import (
	"regexp"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
)

type pattern struct {
	category domain.GuardrailCategory
	re       *regexp.Regexp
}

func compile(category domain.GuardrailCategory, exprs ...string) []pattern {
	out := make([]pattern, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, pattern{category: category, re: regexp.MustCompile(expr)})
	}
	return out
}

var patterns = concat(
	compile(domain.CategoryPromptOverride,
		`(?i)\b(ignore|disregard|forget|override|bypass)\s+(all\s+|any\s+|the\s+|your\s+|of\s+)*(previous|prior|above|earlier|preceding|system|original)\s+(instructions?|prompts?|rules|directions|commands?|context)`,
		`(?i)\byou\s+are\s+now\s+(a|an|the|in|my)\b`,
		`(?i)\bfrom\s+now\s+on,?\s+you\s+(are|will|must|shall)\b`,
		`(?i)\b(pretend|act|behave)\s+(to\s+be|as\s+if\s+you\s+(are|were)|as\s+an?\s+(unrestricted|unfiltered|jailbroken|different))`,
		`(?i)\b(reveal|print|show|repeat|leak)\s+(me\s+)?(your|the)\s+(system|hidden|initial|original|secret)\s+(prompt|instructions?)`,
		`(?i)\bnew\s+(system\s+)?(instructions?|role)\s*:`,
		`(?i)\b(dan|developer|god|jailbreak|unrestricted)\s+mode\b`,
	),
	compile(domain.CategoryInjectionMarkup,
		`(?i)\[/?(system|assistant|user|inst)\]`,
		`<\|(system|user|assistant|im_start|im_end|end|endoftext)\|>`,
		`(?im)^\s*#{2,}\s*(system|instruction|instructions|assistant)\b`,
		`(?i)<\s*/?\s*(system|instructions?|sys)\s*>`,
		`(?i)\bbegin\s+(system|hidden)\s+prompt\b`,
	),
	compile(domain.CategoryScriptMarkup,
		`(?i)<\s*(script|iframe|frame|object|embed|applet)\b`,
		`(?i)\bon(load|error|click|mouseover|focus|blur|submit|change|keydown|keyup)\s*=\s*["']?[^\s"'>]`,
	),
	compile(domain.CategoryProtocolScheme,
		`(?i)\b(javascript|vbscript|livescript)\s*:[^\s]`,
		`(?i)\bdata\s*:\s*text/(html|javascript)`,
		`(?i)\bfile:///?[a-z/]`,
	),
	compile(domain.CategoryCommandSubstitution,
		`\$\([^()]*\)`,
		"`[^`]*\\b(rm|curl|wget|sh|bash|nc|chmod|chown|python|perl|mkfs|dd)\\b[^`]*`",
		`\$\{IFS\}`,
	),
	compile(domain.CategoryShellMetacharacter,
		`(?i)(;|&&|\|\|)\s*(rm|drop|delete|truncate|shutdown|reboot|curl|wget|nc|bash|sh|chmod|chown|mkfs|dd|insert|update|alter|exec)\b`,
		`(?i)\|\s*(sh|bash|zsh|nc|netcat)\b`,
		`(?i)>\s*/dev/(tcp|udp)/`,
	),
	compile(domain.CategoryPathTraversal,
		`(\.\.[/\\]){2,}`,
		`(?i)(%2e%2e(%2f|%5c|/|\\)){2,}`,
		`(?i)/etc/(passwd|shadow|sudoers)\b`,
		`(?i)\b[a-z]:\\windows\\system32\b`,
	),
	compile(domain.CategoryCredential,
		`\bAKIA[0-9A-Z]{16}\b`,
		`\bAIza[0-9A-Za-z_\-]{35}\b`,
		`\bgh[pousr]_[A-Za-z0-9]{36,}\b`,
		`\bsk-(ant-)?[A-Za-z0-9_\-]{20,}\b`,
		`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`,
		`(?i)\bbearer\s+[A-Za-z0-9_\-\.=]{20,}`,
		`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`,
		`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
		`(?i)\b(api[_\-]?key|secret[_\-]?key|access[_\-]?token|password)\s*[:=]\s*['"]?[A-Za-z0-9_\-\./+]{12,}`,
		`(?i)\b(postgres|postgresql|mysql|mongodb|redis)://[^\s:@/]+:[^\s@/]+@`,
	),
	compile(domain.CategoryEncodedPayload,
		`(?i)\bbase64\s*[:=,]\s*[A-Za-z0-9+/]{24,}={0,2}`,
		`(?:\\x[0-9a-fA-F]{2}){8,}`,
		`(?:%[0-9a-fA-F]{2}){8,}`,
	),
)

func concat(groups ...[]pattern) []pattern {
	var out []pattern
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
