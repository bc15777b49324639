package email

import (
	"bytes"
	_ "embed"
	"html/template"
	texttemplate "text/template"
)

type ConfirmationParams struct {
	Name            string
	ConfirmationURL string
}

var (
	confirmationHTML = template.New("confirmation")
	confirmationText = texttemplate.New("confirmation")

	//go:embed templates/confirmation.html
	confirmationHTMLRaw string
	//go:embed templates/confirmation.txt
	confirmationTextRaw string
)

func init() {
	if _, err := confirmationHTML.Parse(confirmationHTMLRaw); err != nil {
		panic(err)
	}
	if _, err := confirmationText.Parse(confirmationTextRaw); err != nil {
		panic(err)
	}
}

// RenderConfirmation produces the HTML and plain-text bodies of the
// confirmation email.
func RenderConfirmation(p ConfirmationParams) (html, text string, err error) {
	var hb bytes.Buffer
	if err := confirmationHTML.Execute(&hb, p); err != nil {
		return "", "", err
	}
	var tb bytes.Buffer
	if err := confirmationText.Execute(&tb, p); err != nil {
		return "", "", err
	}
	return hb.String(), tb.String(), nil
}
