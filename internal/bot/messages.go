package bot

import (
	"fmt"
	"strings"

	"github.com/dunamismax/polybot/internal/domain"
)

const (
	msgFirstConcatImage = "First image received. Please send the second image with caption 'concat'."
	msgConcatDone       = "Images concatenated successfully!"
	msgPhotoOnly        = "I can only process photo messages."
	msgUnknownCommand   = "Unknown command. Send /help for options."
	msgSendPhoto        = "Please send a photo with a caption. Type /help for filter options."
	msgPredictSending   = "Sending image to prediction service..."
	msgPredictDisabled  = "Prediction service is not configured."
	msgPredictFailed    = "Prediction failed due to server error."
	msgPredictNon2xx    = "Prediction failed: prediction service returned non-200 status."
)

func missingCaptionText() string {
	return "Please provide a caption with the image. Available filters are: " + domain.AvailableFilters()
}

func invalidFilterText() string {
	return "Invalid filter. Available: " + domain.AvailableFilters()
}

func applyingText(f domain.Filter) string {
	return fmt.Sprintf("Applying %s filter...", f.Title())
}

func processingErrorText(err error) string {
	return "Error processing image: " + err.Error()
}

func rateLimitedText(seconds int) string {
	return fmt.Sprintf("You are sending images too fast. Please wait %d seconds and try again.", seconds)
}

func helpText(firstName string) string {
	var b strings.Builder
	if name := strings.TrimSpace(firstName); name != "" {
		fmt.Fprintf(&b, "Hello %s! ", name)
	}
	b.WriteString("Welcome to the Image Processing Bot!\n\n")
	b.WriteString("Send me a photo with one of these captions:\n")
	b.WriteString("- Blur [level]\n")
	b.WriteString("- Contour\n")
	b.WriteString("- Rotate [count]\n")
	b.WriteString("- Segment [threshold]\n")
	b.WriteString("- Salt and pepper [probability]\n")
	b.WriteString("- Concat [horizontal|vertical] (requires two images)\n")
	b.WriteString("- Predict (runs object detection)\n")
	return b.String()
}
