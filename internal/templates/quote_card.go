package templates

type QuoteCardInput struct {
	Quote     string `json:"quote" validate:"required,max=280"`
	Author    string `json:"author" validate:"omitempty,max=80"`
	Role      string `json:"role" validate:"omitempty,max=80"`
	AvatarURL string `json:"avatarUrl" validate:"omitempty,http_url"`
	Theme     string `json:"theme" validate:"omitempty,oneof=light dark"`
}

var quoteCard = &definition[QuoteCardInput]{
	id:          "quote-card",
	version:     "1",
	composition: "QuoteCard",
	duration:    func(*QuoteCardInput) float64 { return 8 },
	resolution:  func(*QuoteCardInput) string { return "1080x1080" },
	props: func(in *QuoteCardInput) map[string]any {
		theme := in.Theme
		if theme == "" {
			theme = "light"
		}
		return map[string]any{
			"quote":     in.Quote,
			"author":    in.Author,
			"role":      in.Role,
			"avatarUrl": in.AvatarURL,
			"theme":     theme,
		}
	},
}
