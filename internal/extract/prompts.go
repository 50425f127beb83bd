package extract

import (
	"strings"

	"github.com/Martian-dev/inbox-ledger/internal/domain"
	"github.com/Martian-dev/inbox-ledger/internal/mailtext"
)

const transactionPrompt = `You are an expert data extraction assistant for financial transaction alerts sent by banks, credit card issuers and UPI platforms.

Task:
- Read every message below. Each message starts with a line "ID <id>:".
- Return ONLY a valid JSON array. Each element is one transaction.
- Skip OTPs, promotional offers, statements and anything that is not a completed transaction.
- Output must begin with "[" and end with "]". Do NOT use Markdown or code fences.

Each object must have these fields:
- "id": string, the ID of the message the transaction came from
- "amount": number, positive, without currency symbols
- "transaction_type": string, strictly "debit" or "credit"
- "source_identifier": string, account number, card number or UPI ID the money moved from or into
- "destination": string, the merchant, person, UPI ID or platform on the other side
- "reference_number": string or null, the UPI or bank reference number
- "mode": string, strictly one of "UPI", "Credit Card", "Bank Transfer", "ATM", "POS", "Unknown"
- "reason": string, a short description; empty string if not found

Example message:
ID 1234567890abcdef:
Dear Customer, Rs.65.00 has been debited from account 1531 to VPA Q285361434@ybl MADHU SUDHAN S on 04-07-25. Your UPI transaction reference number is 254342617978.

Expected output:
[{"id":"1234567890abcdef","amount":65.00,"transaction_type":"debit","source_identifier":"1531","destination":"Q285361434@ybl MADHU SUDHAN S","reference_number":"254342617978","mode":"UPI","reason":"Payment to VPA Q285361434@ybl MADHU SUDHAN S"}]`

const orderPrompt = `You are an expert data extraction assistant for order confirmations and purchase receipts sent by online stores, food delivery and ride apps.

Task:
- Read every message below. Each message starts with a line "ID <id>:".
- Return ONLY a valid JSON array. Each element is one order.
- Skip shipping updates without prices, marketing mail and anything that is not an order or receipt.
- Output must begin with "[" and end with "]". Do NOT use Markdown or code fences.

Each object must have these fields:
- "id": string, the ID of the message the order came from
- "order_id": string, the vendor's order number
- "vendor": string or null
- "order_date": string "YYYY-MM-DD" or null
- "currency": string ISO code such as "INR" or null
- "sub_total": number or null
- "total": number or null
- "items": array of objects with "name" (string), "item_type" (string), "quantity" (number or null), "unit_type" (string), "unit_price" (number or null), "total" (number or null), "category" (string)`

// buildPrompt appends one "ID <id>:" block per message to template.
// Bodies longer than maxBody runes are cut.
func buildPrompt(template string, msgs []domain.CanonicalMessage, maxBody int) string {
	var b strings.Builder
	b.WriteString(template)
	b.WriteString("\n\nMessages:\n")
	for _, m := range msgs {
		b.WriteString("\nID ")
		b.WriteString(m.ID)
		b.WriteString(":\n")
		if m.SenderName != "" || m.SenderAddress != nil {
			b.WriteString("From: ")
			b.WriteString(m.SenderName)
			if m.SenderAddress != nil {
				b.WriteString(" <")
				b.WriteString(*m.SenderAddress)
				b.WriteString(">")
			}
			b.WriteString("\n")
		}
		if m.Subject != "" {
			b.WriteString("Subject: ")
			b.WriteString(m.Subject)
			b.WriteString("\n")
		}
		b.WriteString(mailtext.Truncate(m.Body, maxBody))
		b.WriteString("\n")
	}
	return b.String()
}
