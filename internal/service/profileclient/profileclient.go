package profileclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// JSON ответ сервиса профилей
type RateAnswer struct {
	Beneficiary string          `json:"beneficiary"`
	Rate        decimal.Decimal `json:"rate"`
}

var ErrProfileNotFound = errors.New("beneficiary profile not found")

// ProfileClient читает текущую ставку комиссии получателя.
// Ставка читается один раз при записи начисления.
type ProfileClient interface {
	GetRate(ctx context.Context, beneficiary string) (decimal.Decimal, error)
}

type profileClient struct {
	client *resty.Client
}

func NewProfileClient(serviceAddr string) ProfileClient {
	return profileClient{client: resty.New().SetBaseURL(serviceAddr)}
}

func (client profileClient) GetRate(ctx context.Context, beneficiary string) (decimal.Decimal, error) {
	path := "/api/beneficiaries/{beneficiary}/rate"

	resp, err := client.client.R().
		SetContext(ctx).
		SetPathParam("beneficiary", beneficiary).
		Get(path)
	if err != nil {
		return decimal.Decimal{}, err
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		var answer RateAnswer
		if err = json.Unmarshal(resp.Body(), &answer); err != nil {
			return decimal.Decimal{}, err
		}
		return answer.Rate, nil
	case http.StatusNotFound:
		return decimal.Decimal{}, ErrProfileNotFound
	default:
		return decimal.Decimal{}, fmt.Errorf("profile request status: %d", resp.StatusCode())
	}
}
