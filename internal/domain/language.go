package domain

import "fmt"

// Language represents a supported programming language. Every language owns
// exactly one queue partition and one worker pool.
type Language string

const (
	LangCpp    Language = "cpp"
	LangPython Language = "python"
)

type languageProfile struct {
	sourceFile string
	version    string
	compiler   string
}

var languageProfiles = map[Language]languageProfile{
	LangCpp:    {sourceFile: "main.cpp", version: "17", compiler: "g++ (GCC 13)"},
	LangPython: {sourceFile: "main.py", version: "3.12"},
}

// Languages lists the supported languages in a stable order.
func Languages() []Language {
	return []Language{LangCpp, LangPython}
}

// ParseLanguage converts raw input into a Language.
func ParseLanguage(s string) (Language, error) {
	l := Language(s)
	if !l.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, s)
	}
	return l, nil
}

// IsValid checks if the language is supported.
func (l Language) IsValid() bool {
	_, ok := languageProfiles[l]
	return ok
}

// SourceFile is the name the submitted code is written to inside the sandbox.
func (l Language) SourceFile() string {
	return languageProfiles[l].sourceFile
}

func (l Language) String() string {
	return string(l)
}

// LanguageInfo describes a supported language.
type LanguageInfo struct {
	Name       Language `json:"name"`
	Version    string   `json:"version"`
	Compiler   string   `json:"compiler,omitempty"`
	SourceFile string   `json:"source_file"`
}

// Info returns the public description of every supported language.
func Info() []LanguageInfo {
	out := make([]LanguageInfo, 0, len(languageProfiles))
	for _, l := range Languages() {
		s := languageProfiles[l]
		out = append(out, LanguageInfo{Name: l, Version: s.version, Compiler: s.compiler, SourceFile: s.sourceFile})
	}
	return out
}
