package notification

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TemplateAppointmentCreatedSMS     = "appointment-created-sms"
	TemplateAppointmentCreatedEmail   = "appointment-created-email"
	TemplateAppointmentUpdatedSMS     = "appointment-updated-sms"
	TemplateAppointmentUpdatedEmail   = "appointment-updated-email"
	TemplateAppointmentCancelledSMS   = "appointment-cancelled-sms"
	TemplateAppointmentCancelledEmail = "appointment-cancelled-email"
	TemplateInvoiceCreated            = "invoice-created"
	TemplatePaymentReceived           = "payment-received"
	TemplatePaymentOverdue            = "payment-overdue"
)

// DateLayout is how appointment times appear in messages.
const DateLayout = "02/01/2006 15:04"

type Template struct {
	ID      string
	Kind    Kind
	Subject string
	Body    string
}

var builtIn = []Template{
	{
		ID:   TemplateAppointmentCreatedSMS,
		Kind: KindSMS,
		Body: "Bonjour {{patient_name}}, votre rendez-vous a été confirmé pour le {{date}}. Motif: {{reason}}",
	},
	{
		ID:      TemplateAppointmentCreatedEmail,
		Kind:    KindEmail,
		Subject: "Confirmation de rendez-vous",
		Body: "Bonjour {{patient_name}},\n\n" +
			"Votre rendez-vous avec {{doctor_name}} a été enregistré pour le {{date}}.\n" +
			"Motif: {{reason}}\n" +
			"Statut: {{status}}\n\n" +
			"Cordialement,\nSystème de santé en ligne",
	},
	{
		ID:   TemplateAppointmentUpdatedSMS,
		Kind: KindSMS,
		Body: "Bonjour {{patient_name}}, votre rendez-vous a été modifié. Nouvelle date: {{date}}. Motif: {{reason}}",
	},
	{
		ID:      TemplateAppointmentUpdatedEmail,
		Kind:    KindEmail,
		Subject: "Modification de rendez-vous",
		Body: "Bonjour {{patient_name}},\n\n" +
			"Votre rendez-vous a été modifié.\n" +
			"Nouvelle date: {{date}}\n" +
			"Motif: {{reason}}\n\n" +
			"Cordialement,\nSystème de santé en ligne",
	},
	{
		ID:   TemplateAppointmentCancelledSMS,
		Kind: KindSMS,
		Body: "Bonjour {{patient_name}}, votre rendez-vous du {{date}} a été annulé.",
	},
	{
		ID:      TemplateAppointmentCancelledEmail,
		Kind:    KindEmail,
		Subject: "Annulation de rendez-vous",
		Body: "Bonjour {{patient_name}},\n\n" +
			"Votre rendez-vous du {{date}} a été annulé.\n\n" +
			"Cordialement,\nSystème de santé en ligne",
	},
	{
		ID:      TemplateInvoiceCreated,
		Kind:    KindEmail,
		Subject: "Nouvelle facture - Système de santé",
		Body: "Bonjour {{patient_name}},\n\n" +
			"Une nouvelle facture a été générée pour votre consultation.\n\n" +
			"Numéro de facture: #{{invoice_id}}\n" +
			"Montant: {{amount}}\n" +
			"Statut: En attente de paiement\n\n" +
			"Vous pouvez consulter et régler votre facture en ligne.\n\n" +
			"Cordialement,\nSystème de santé en ligne",
	},
	{
		ID:      TemplatePaymentReceived,
		Kind:    KindEmail,
		Subject: "Paiement reçu - Système de santé",
		Body: "Bonjour {{patient_name}},\n\n" +
			"Nous avons bien reçu votre paiement.\n\n" +
			"Facture: #{{invoice_id}}\n" +
			"Montant payé: {{amount}}\n" +
			"Statut: {{status}}\n\n" +
			"Merci pour votre paiement.\n\n" +
			"Cordialement,\nSystème de santé en ligne",
	},
	{
		ID:      TemplatePaymentOverdue,
		Kind:    KindEmail,
		Subject: "Rappel de paiement - Système de santé",
		Body: "Bonjour {{patient_name}},\n\n" +
			"Nous vous rappelons que votre facture est en attente de paiement.\n\n" +
			"Facture: #{{invoice_id}}\n" +
			"Montant dû: {{amount}}\n\n" +
			"Veuillez effectuer le paiement dès que possible.\n\n" +
			"Cordialement,\nSystème de santé en ligne",
	},
}

// Templates renders the built-in message templates.
type Templates struct {
	byID map[string]Template
}

func NewTemplates() *Templates {
	t := &Templates{byID: make(map[string]Template, len(builtIn))}
	for _, tpl := range builtIn {
		t.byID[tpl.ID] = tpl
	}
	return t
}

// Render replaces every {{key}} with data[key] in a single pass, so values
// are never expanded themselves. Unknown keys are left as is.
func (t *Templates) Render(id string, data map[string]string) (Template, error) {
	tpl, ok := t.byID[id]
	if !ok {
		return Template{}, fmt.Errorf("template %q not found", id)
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", data[k])
	}
	r := strings.NewReplacer(pairs...)
	tpl.Subject = r.Replace(tpl.Subject)
	tpl.Body = r.Replace(tpl.Body)
	return tpl, nil
}

// FormatDate renders t in the clinic's local layout.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// FormatAmount renders a money amount as #,##0.00 followed by the currency.
func FormatAmount(amount decimal.Decimal, currency string) string {
	fixed := amount.Abs().StringFixed(2)
	whole, frac, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if amount.IsNegative() {
		b.WriteByte('-')
	}
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)

	if currency != "" {
		b.WriteByte(' ')
		b.WriteString(currency)
	}
	return b.String()
}
