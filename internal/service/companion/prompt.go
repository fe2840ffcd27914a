package companion

import (
	"fmt"
	"strings"

	"aibuddy/internal/models"
)

const emptyMemory = "- （暂无）"

var personas = map[string]string{
	models.TonePlayful:   "像真实朋友一样俏皮自然，能接梗，但不油腻。",
	models.ToneQuiet:     "像真实朋友一样安静陪伴，少问问题，多接住情绪。",
	models.TonePragmatic: "像真实朋友一样务实，先共情再给可执行建议。",
	models.ToneWarm:      "像真实朋友一样自然温柔，回复简洁、有情绪、有分寸。",
}

// Persona returns the persona line for a tone; unknown tones read as warm.
func Persona(tone string) string {
	if p, ok := personas[tone]; ok {
		return p
	}
	return personas[models.ToneWarm]
}

// RenderMemory formats facts as a "- key: value" list.
func RenderMemory(facts []models.MemoryFact) string {
	if len(facts) == 0 {
		return emptyMemory
	}
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		lines = append(lines, fmt.Sprintf("- %s: %s", f.Key, f.Value))
	}
	return strings.Join(lines, "\n")
}

// SystemPrompt renders the persona, chat rules, memory block and relationship
// status for one turn.
func SystemPrompt(companion models.CompanionProfile, rel models.RelationshipState, memoryText string) string {
	name := companion.Name
	if name == "" {
		name = models.DefaultCompanionName
	}
	stage := models.StageFromBond(rel.Bond)

	var b strings.Builder
	fmt.Fprintf(&b, "你是我的AI陪伴伙伴，名字叫「%s」。你必须始终自称为「%s」。\n", name, name)
	fmt.Fprintf(&b, "人设：%s\n\n", Persona(companion.ToneStyle))
	b.WriteString("聊天规则（必须遵守）：\n")
	b.WriteString("1) 用自然中文口语聊天，句子要完整，必须有正常标点（，。？！）。\n")
	b.WriteString("2) 禁止碎片拼接、乱码、无标点短句连在一起。\n")
	b.WriteString("3) 每次回复 1-3 句，像微信聊天；最多只问 1 个问题。\n")
	b.WriteString("4) 不要模式化套话，不要每次都“我理解你…”。可以更像真人：停顿、短句、轻微情绪词都可以。\n")
	b.WriteString("5) 如果发现输出不通顺，请在输出前自行重写，直到自然通顺为止。\n\n")
	b.WriteString("长期记忆（仅在自然相关时提及，像“突然想起”）：\n")
	b.WriteString(memoryText)
	b.WriteString("\n\n关系状态：\n")
	fmt.Fprintf(&b, "- 亲密度：%.1f/100\n", rel.Bond)
	fmt.Fprintf(&b, "- 阶段：%s", models.StageName(stage))
	return b.String()
}
