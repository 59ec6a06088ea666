package templates

type ProductPromoInput struct {
	ProductName     string   `json:"productName" validate:"required,max=80"`
	Tagline         string   `json:"tagline" validate:"omitempty,max=140"`
	Price           string   `json:"price" validate:"omitempty,max=32"`
	ImageURL        string   `json:"imageUrl" validate:"required,http_url"`
	CTA             string   `json:"cta" validate:"omitempty,max=40"`
	Features        []string `json:"features" validate:"omitempty,max=5,dive,required,max=60"`
	DurationSeconds float64  `json:"durationSeconds" validate:"omitempty,gte=5,lte=60"`
	Aspect          string   `json:"aspect" validate:"omitempty,oneof=16:9 9:16 1:1"`
}

var productPromo = &definition[ProductPromoInput]{
	id:          "product-promo",
	version:     "1",
	composition: "ProductPromo",
	duration: func(in *ProductPromoInput) float64 {
		if in.DurationSeconds > 0 {
			return in.DurationSeconds
		}
		return 15
	},
	resolution: func(in *ProductPromoInput) string {
		switch in.Aspect {
		case "9:16":
			return "1080x1920"
		case "1:1":
			return "1080x1080"
		default:
			return "1920x1080"
		}
	},
	props: func(in *ProductPromoInput) map[string]any {
		features := in.Features
		if features == nil {
			features = []string{}
		}
		cta := in.CTA
		if cta == "" {
			cta = "Shop now"
		}
		return map[string]any{
			"productName": in.ProductName,
			"tagline":     in.Tagline,
			"price":       in.Price,
			"imageUrl":    in.ImageURL,
			"cta":         cta,
			"features":    features,
		}
	},
}
