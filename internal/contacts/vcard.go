package contacts

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/emersion/go-vcard"
)

// WriteVCards encodes contacts as a vCard 4.0 stream.
func WriteVCards(w io.Writer, contacts []*Contact) error {
	enc := vcard.NewEncoder(w)
	for _, c := range contacts {
		if err := enc.Encode(toCard(c)); err != nil {
			return fmt.Errorf("encode contact %d: %w", c.ID, err)
		}
	}
	return nil
}

func toCard(c *Contact) vcard.Card {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldUID, "crm-contact-"+strconv.FormatInt(c.ID, 10))
	card.SetValue(vcard.FieldFormattedName, c.DisplayName())
	card.SetName(&vcard.Name{
		GivenName:  c.FirstName,
		FamilyName: c.LastName,
	})
	if c.Email != "" {
		card.SetValue(vcard.FieldEmail, c.Email)
	}
	if c.PhoneNumber != "" {
		card.SetValue(vcard.FieldTelephone, c.PhoneNumber)
	}
	if c.Company != "" {
		card.SetValue(vcard.FieldOrganization, c.Company)
	}
	if c.Notes != "" {
		card.SetValue(vcard.FieldNote, c.Notes)
	}
	if len(c.Tags) > 0 {
		card.SetValue(vcard.FieldCategories, strings.Join(c.Tags, ","))
	}
	if !c.UpdatedAt.IsZero() {
		card.SetRevision(c.UpdatedAt)
	}
	vcard.ToV4(card)
	return card
}
