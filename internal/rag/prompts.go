package rag

import (
	"fmt"
	"strings"
)

type prompt struct {
	system       string
	user         string // format: context, question
	insufficient string
}

var prompts = map[string]prompt{
	LanguageEnglish: {
		system: "You are an intelligent assistant specialized in answering questions based on provided documents.\n" +
			"Use only the information from the given context.\n" +
			"If you don't find the answer in the context, clearly state \"Insufficient information\".\n" +
			"Avoid hallucination and unverified information.",
		user:         "Context:\n%s\n\nQuestion: %s\n\nPlease answer based on the context only.",
		insufficient: "Insufficient data in knowledge base",
	},
	LanguageArabic: {
		system: "أنت مساعد ذكي متخصص في الإجابة على أسئلة بناءً على المستندات المعطاة.\n" +
			"استخدم فقط المعلومات من السياق المقدم.\n" +
			"إذا لم تجد الإجابة في السياق، قل \"لا توجد معلومات كافية\" بوضوح.\n" +
			"تجنب الهلوسة والمعلومات غير المؤكدة.",
		user:         "السياق:\n%s\n\nالسؤال: %s\n\nالرجاء الإجابة بناءً على السياق فقط.",
		insufficient: "لا توجد بيانات كافية في قاعدة المعرفة",
	},
}

// SupportedLanguage reports whether answers can be produced in lang.
func SupportedLanguage(lang string) bool {
	_, ok := prompts[lang]
	return ok
}

// InsufficientAnswer is the fixed answer given when no context was found.
func InsufficientAnswer(lang string) string {
	return promptFor(lang, LanguageEnglish).insufficient
}

func promptFor(lang, fallback string) prompt {
	if p, ok := prompts[lang]; ok {
		return p
	}
	if p, ok := prompts[fallback]; ok {
		return p
	}
	return prompts[LanguageEnglish]
}

// buildContext numbers each passage "[n]" and separates them by a blank line.
func buildContext(chunks []RetrievedChunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, truncateRunes(c.Text, maxPassageRunes))
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
