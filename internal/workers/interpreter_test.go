package workers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pantryd/pantryd/internal/inference"
	"github.com/pantryd/pantryd/internal/invoke"
)

type fakeInterpretGateway struct {
	text  string
	err   error
	calls []struct{ prompt, image string }
}

func (g *fakeInterpretGateway) Interpret(_ context.Context, prompt, imageBase64 string) (string, error) {
	g.calls = append(g.calls, struct{ prompt, image string }{prompt, imageBase64})
	if g.err != nil {
		return "", g.err
	}
	return g.text, nil
}

func interpretPayload(t *testing.T, image []byte, purchaseDate string) []byte {
	t.Helper()
	payload, err := json.Marshal(InterpretInput{
		ImageBase64:  base64.StdEncoding.EncodeToString(image),
		PurchaseDate: purchaseDate,
	})
	require.NoError(t, err)
	return payload
}

func TestInterpretImageReceipt(t *testing.T) {
	gateway := &fakeInterpretGateway{text: "Whole Milk $3.49\nEggs 4.99\nTHANK YOU\nBread 2.50"}
	worker := NewInterpreter(gateway)

	raw, err := worker.Run(context.Background(), interpretPayload(t, []byte("jpegdata"), "2024-01-01"))
	require.NoError(t, err)

	var output InterpretOutput
	require.NoError(t, json.Unmarshal(raw, &output))
	require.Len(t, output.Items, 3)
	require.Equal(t, "Whole Milk", output.Items[0].Name)
	require.Equal(t, 3.49, output.Items[0].Price)
	require.Equal(t, "2024-01-01", output.Items[0].PurchaseDate)

	// The photo goes to the vision model as-is.
	require.Len(t, gateway.calls, 1)
	require.NotEmpty(t, gateway.calls[0].image)
}

func TestInterpretSkipsUnpricedLines(t *testing.T) {
	gateway := &fakeInterpretGateway{text: "TOTAL\n\nMilk 3.49\nSUBTOTAL 12,99x\n"}
	worker := NewInterpreter(gateway)

	raw, err := worker.Run(context.Background(), interpretPayload(t, []byte("img"), "2024-01-01"))
	require.NoError(t, err)

	var output InterpretOutput
	require.NoError(t, json.Unmarshal(raw, &output))
	require.Len(t, output.Items, 1)
	require.Equal(t, "Milk", output.Items[0].Name)
}

func TestInterpretNoItemsIsPermanent(t *testing.T) {
	gateway := &fakeInterpretGateway{text: "ILLEGIBLE"}
	worker := NewInterpreter(gateway)

	_, err := worker.Run(context.Background(), interpretPayload(t, []byte("img"), "2024-01-01"))
	require.Error(t, err)
	require.Equal(t, invoke.KindPermanent, invoke.KindOf(err))
}

func TestInterpretInvalidInput(t *testing.T) {
	worker := NewInterpreter(&fakeInterpretGateway{})

	cases := []struct {
		name    string
		payload string
	}{
		{"missing image", `{"image":""}`},
		{"bad base64", `{"image":"!!not-base64!!"}`},
		{"bad purchase date", `{"image":"aW1n","purchase_date":"01/01/2024"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := worker.Run(context.Background(), []byte(tc.payload))
			require.Error(t, err)
			require.Equal(t, invoke.KindPermanent, invoke.KindOf(err))
		})
	}
}

func TestInterpretGatewayErrorClassification(t *testing.T) {
	rejected := NewInterpreter(&fakeInterpretGateway{err: inference.ErrBadRequest})
	_, err := rejected.Run(context.Background(), interpretPayload(t, []byte("img"), ""))
	require.Equal(t, invoke.KindPermanent, invoke.KindOf(err))

	saturated := NewInterpreter(&fakeInterpretGateway{err: inference.ErrBackpressure})
	_, err = saturated.Run(context.Background(), interpretPayload(t, []byte("img"), ""))
	require.Equal(t, invoke.KindTransient, invoke.KindOf(err))

	flaky := NewInterpreter(&fakeInterpretGateway{err: errors.New("connection reset")})
	_, err = flaky.Run(context.Background(), interpretPayload(t, []byte("img"), ""))
	require.Equal(t, invoke.KindTransient, invoke.KindOf(err))
}

func TestInterpretCorruptPDF(t *testing.T) {
	// Carries the PDF magic but no valid structure; the text path must
	// reject it before any inference call.
	gateway := &fakeInterpretGateway{text: "unused"}
	worker := NewInterpreter(gateway)

	_, err := worker.Run(context.Background(), interpretPayload(t, []byte("%PDF-1.7 garbage"), "2024-01-01"))
	require.Error(t, err)
	require.Equal(t, invoke.KindPermanent, invoke.KindOf(err))
	require.Empty(t, gateway.calls)
}

func TestParseReceiptTextDollarPrefix(t *testing.T) {
	items := parseReceiptText("Cheddar $5.25", "2024-01-01")
	require.Len(t, items, 1)
	require.Equal(t, 5.25, items[0].Price)
}
