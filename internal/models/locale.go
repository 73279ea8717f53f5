package models

// Locale holds the fixed user-facing strings for one language. Everything the bot
// writes outside of LLM replies comes from here.
type Locale struct {
	SatisfactionQuestion string
	// SatisfactionLabels parallels SatisfactionLevels.
	SatisfactionLabels []string
	// RatedAnnotation is appended to the user's message after a rating, with the
	// chosen label substituted for %s.
	RatedAnnotation string
	Apology         string
	TextOnly        string
	Help            string
	LanguagePrompt  string
	LanguageSet     string
	ClearConfirm    string
	ClearYes        string
	ClearNo         string
	ClearDone       string
	ClearCancelled  string
	RestorePrompt   string
	RestoreDone     string
	NoBackups       string
	ChooseNumber    string
}

var locales = map[Language]Locale{
	LanguageEnglish: {
		SatisfactionQuestion: "How satisfied are you from your life right now?",
		SatisfactionLabels:   []string{"Awful", "Bad", "Okay", "Good", "Great"},
		RatedAnnotation:      "(I rated my current life satisfaction as: %s)",
		Apology:              "Sorry, something went wrong on my side. Please try again in a little while.",
		TextOnly:             "I can only read text messages for now.",
		Help: "Just write to me and I'll answer.\n" +
			"/start - start a new conversation\n" +
			"/clear - clear the chat history\n" +
			"/restore - restore a previous conversation\n" +
			"/setlanguage - change the language",
		LanguagePrompt: "Choose your language / בחר את שפתך",
		LanguageSet:    "Language set to English.",
		ClearConfirm:   "Are you sure you want to clear the chat history?",
		ClearYes:       "Yes please",
		ClearNo:        "No, cancel",
		ClearDone:      "You can start fresh now",
		ClearCancelled: "Clear chat history cancelled",
		RestorePrompt:  "Which conversation would you like to restore?",
		RestoreDone:    "Conversation restored.",
		NoBackups:      "There are no saved conversations to restore.",
		ChooseNumber:   "Reply with the number of your choice.",
	},
	LanguageHebrew: {
		SatisfactionQuestion: "עד כמה אתה מרוצה מהחיים שלך כרגע?",
		SatisfactionLabels:   []string{"נורא", "רע", "בסדר", "טוב", "מצוין"},
		RatedAnnotation:      "(דירגתי את שביעות הרצון שלי מהחיים כרגע: %s)",
		Apology:              "מצטער, משהו השתבש אצלי. נסה שוב בעוד כמה רגעים.",
		TextOnly:             "כרגע אני יכול לקרוא רק הודעות טקסט.",
		Help: "פשוט כתוב לי ואני אענה.\n" +
			"/start - התחלת שיחה חדשה\n" +
			"/clear - מחיקת היסטוריית השיחה\n" +
			"/restore - שחזור שיחה קודמת\n" +
			"/setlanguage - שינוי שפה",
		LanguagePrompt: "Choose your language / בחר את שפתך",
		LanguageSet:    "השפה נקבעה לעברית.",
		ClearConfirm:   "האם אתה בטוח שברצונך למחוק את היסטוריית השיחה?",
		ClearYes:       "כן בבקשה",
		ClearNo:        "לא, ביטול",
		ClearDone:      "אפשר להתחיל מחדש",
		ClearCancelled: "מחיקת ההיסטוריה בוטלה",
		RestorePrompt:  "איזו שיחה תרצה לשחזר?",
		RestoreDone:    "השיחה שוחזרה.",
		NoBackups:      "אין שיחות שמורות לשחזור.",
		ChooseNumber:   "השב עם מספר הבחירה שלך.",
	},
}

// LocaleFor returns the strings for lang, falling back to DefaultLanguage.
func LocaleFor(lang Language) Locale {
	if l, ok := locales[lang]; ok {
		return l
	}
	return locales[DefaultLanguage]
}

// LanguageChoices lists the selectable languages with their display names.
func LanguageChoices() (values, display []string) {
	return []string{string(LanguageEnglish), string(LanguageHebrew)}, []string{"English", "עברית"}
}
