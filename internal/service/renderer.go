package service

import (
	"fmt"
	"strings"

	"github.com/unclebandit/commsblock-backend/internal/model"
	"github.com/unclebandit/commsblock-backend/internal/placeholder"
	"github.com/unclebandit/commsblock-backend/internal/token"
	"github.com/unclebandit/commsblock-backend/internal/transport"
)

// Content is what gets personalised per recipient.
type Content struct {
	Subject string
	HTML    string
	Text    string
	Version int // 0 when rendered from the raw template
}

// ContentFrom prefers the compiled artifact and falls back to the template.
func ContentFrom(a *model.Artifact, t *model.Template) Content {
	if a != nil {
		return Content{Subject: a.Subject, HTML: a.HTMLCompiled, Text: a.TextCompiled, Version: a.Version}
	}
	if t != nil {
		return Content{Subject: t.Subject, HTML: t.HTML, Text: t.Text}
	}
	return Content{}
}

// Renderer personalises content for one recipient: variables, signed click tokens in
// place of tracking markers, and a signed unsubscribe URL.
type Renderer struct {
	Signer      *token.Signer
	PublicBase  string
	FromAddress string
	UnsubMailto string
}

func (r *Renderer) UnsubscribeURL(tenantID, campaignID, contactID string) (string, error) {
	tok, err := r.Signer.SignUnsub(tenantID, campaignID, contactID)
	if err != nil {
		return "", fmt.Errorf("sign unsubscribe token: %w", err)
	}
	return strings.TrimRight(r.PublicBase, "/") + "/t/u/" + tok, nil
}

func (r *Renderer) Render(c Content, campaignID string, rc model.Recipient) (transport.Message, error) {
	unsubURL, err := r.UnsubscribeURL(rc.TenantID, campaignID, rc.ContactID)
	if err != nil {
		return transport.Message{}, err
	}
	vars := map[string]string{
		"name":            rc.Name,
		"identity_name":   rc.IdentityName,
		"unsubscribe_url": unsubURL,
	}

	var signErr error
	expand := func(s string) string {
		return placeholder.Expand(s, func(tok placeholder.Token) (string, bool) {
			switch tok.Kind {
			case placeholder.KindVar:
				v, ok := vars[tok.Name]
				return v, ok
			case placeholder.KindTrack:
				if tok.CampaignID != campaignID {
					return "", false
				}
				signed, err := r.Signer.SignClick(rc.TenantID, campaignID, rc.ContactID, tok.Destination, tok.LinkIndex)
				if err != nil {
					signErr = err
					return "", false
				}
				return signed, true
			}
			return "", false
		})
	}

	msg := transport.Message{
		From:    r.FromAddress,
		To:      rc.Email,
		Subject: expand(c.Subject),
		HTML:    expand(c.HTML),
		Text:    expand(c.Text),
		Metadata: map[string]string{
			"campaign_id": campaignID,
			"contact_id":  rc.ContactID,
			"tenant_id":   rc.TenantID,
		},
		Headers: map[string]string{
			"List-Unsubscribe":      listUnsubscribe(unsubURL, r.UnsubMailto),
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	}
	if signErr != nil {
		return transport.Message{}, fmt.Errorf("sign click token: %w", signErr)
	}
	return msg, nil
}

func listUnsubscribe(url, mailto string) string {
	v := "<" + url + ">"
	if mailto != "" {
		v += ", <mailto:" + mailto + ">"
	}
	return v
}
