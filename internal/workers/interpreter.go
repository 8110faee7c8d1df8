package workers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/pantryd/pantryd/internal/invoke"
	"github.com/pantryd/pantryd/internal/storage"
)

const interpretPrompt = `You are an expert at extracting information from grocery receipts.
Analyze this receipt and extract all grocery items with their prices.
Format the output as a list of items, one per line, with the item name followed by the price.
Output only the item lines, no other text.`

// pdfMagic identifies an uploaded receipt as a PDF rather than a photo.
var pdfMagic = []byte("%PDF-")

// Interpreter extracts grocery item candidates from an uploaded receipt.
// Photos go to the vision model; PDF receipts are reduced to text first
// and sent as a text prompt.
type Interpreter struct {
	gateway InterpretGateway
	now     func() time.Time
}

// InterpretGateway is the inference call the interpreter depends on.
type InterpretGateway interface {
	Interpret(ctx context.Context, prompt, imageBase64 string) (string, error)
}

func NewInterpreter(gateway InterpretGateway) *Interpreter {
	return &Interpreter{gateway: gateway, now: time.Now}
}

func (i *Interpreter) Name() string { return StepInterpret }

func (i *Interpreter) Run(ctx context.Context, payload []byte) ([]byte, error) {
	var input InterpretInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, invoke.Permanentf("parsing interpret input: %v", err)
	}
	if input.ImageBase64 == "" {
		return nil, invoke.Permanentf("no image provided")
	}

	raw, err := base64.StdEncoding.DecodeString(input.ImageBase64)
	if err != nil {
		return nil, invoke.Permanentf("invalid base64 image: %v", err)
	}

	purchaseDate := input.PurchaseDate
	if purchaseDate == "" {
		purchaseDate = i.now().UTC().Format(storage.DateLayout)
	} else if _, err := time.Parse(storage.DateLayout, purchaseDate); err != nil {
		return nil, invoke.Permanentf("invalid purchase_date %q: %v", purchaseDate, err)
	}

	var receiptText string
	if bytes.HasPrefix(raw, pdfMagic) {
		text, err := pdfText(raw)
		if err != nil {
			return nil, invoke.Permanentf("extracting PDF text: %v", err)
		}
		prompt := interpretPrompt + "\n\nReceipt text:\n" + text
		receiptText, err = i.gateway.Interpret(ctx, prompt, "")
		if err != nil {
			return nil, classifyGateway(err)
		}
	} else {
		receiptText, err = i.gateway.Interpret(ctx, interpretPrompt, input.ImageBase64)
		if err != nil {
			return nil, classifyGateway(err)
		}
	}

	items := parseReceiptText(receiptText, purchaseDate)
	if len(items) == 0 {
		return nil, invoke.Permanentf("no grocery items found on receipt")
	}

	return json.Marshal(InterpretOutput{Items: items})
}

// parseReceiptText turns "name price" lines into item candidates. Lines
// whose last field does not parse as a price are skipped.
func parseReceiptText(text, purchaseDate string) []ItemCandidate {
	var items []ItemCandidate
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		idx := strings.LastIndex(line, " ")
		if idx <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		priceStr := strings.TrimPrefix(strings.TrimSpace(line[idx+1:]), "$")

		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil || name == "" {
			continue
		}

		items = append(items, ItemCandidate{
			Name:         name,
			Price:        price,
			Quantity:     1,
			PurchaseDate: purchaseDate,
		})
	}
	return items
}

func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading PDF text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("reading PDF text: %w", err)
	}
	return buf.String(), nil
}
