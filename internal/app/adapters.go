/**
 * @description
 * This file adapts the pkg HTTP clients onto the engine's capability
 * contracts. The adapters translate between the clients' wire types and the
 * engine's domain types; streaming error responses pass through untouched so
 * the lifecycle can classify their codes.
 */

package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/streampay/payment-service/internal/domain"
	"github.com/streampay/payment-service/pkg/accountclient"
	"github.com/streampay/payment-service/pkg/streamclient"
)

// StreamPluginFactory opens connector sessions as plugins.
type StreamPluginFactory struct {
	Client *streamclient.Client
}

func (f *StreamPluginFactory) Open(ctx context.Context, sourceAccountID uuid.UUID) (Plugin, error) {
	session, err := f.Client.OpenSession(ctx, sourceAccountID.String())
	if err != nil {
		return nil, err
	}
	return session, nil
}

// StreamService adapts the connector client onto the streaming capability.
type StreamService struct {
	Client *streamclient.Client
}

func (s *StreamService) SetupPayment(ctx context.Context, plugin Plugin, params SetupParams) (*Destination, error) {
	resolved, err := s.Client.SetupPayment(ctx, streamclient.SetupRequest{
		SessionID:      plugin.SessionID(),
		PaymentPointer: params.PaymentPointer,
		InvoiceURL:     params.InvoiceURL,
	})
	if err != nil {
		return nil, err
	}
	return &Destination{
		AssetCode:       resolved.AssetCode,
		AssetScale:      resolved.AssetScale,
		URL:             resolved.URL,
		AmountToDeliver: resolved.AmountToDeliver,
	}, nil
}

func (s *StreamService) StartQuote(ctx context.Context, plugin Plugin, params QuoteParams) (*StreamQuote, error) {
	result, err := s.Client.StartQuote(ctx, streamclient.QuoteRequest{
		SessionID:      plugin.SessionID(),
		DestinationURL: params.Destination.URL,
		AmountToSend:   params.AmountToSend,
		Slippage:       params.Slippage,
		Prices:         params.Prices,
	})
	if err != nil {
		return nil, err
	}
	return &StreamQuote{
		TargetType:               domain.PaymentTargetType(result.TargetType),
		MinDeliveryAmount:        result.MinDeliveryAmount,
		MaxSourceAmount:          result.MaxSourceAmount,
		MinExchangeRate:          result.MinExchangeRate,
		LowExchangeRateEstimate:  result.LowExchangeRateEstimate,
		HighExchangeRateEstimate: result.HighExchangeRateEstimate,
	}, nil
}

func (s *StreamService) Pay(ctx context.Context, plugin Plugin, params PayParams) (*PayOutcome, error) {
	result, err := s.Client.Pay(ctx, streamclient.PayRequest{
		SessionID:          plugin.SessionID(),
		DestinationURL:     params.Destination.URL,
		TargetType:         string(params.Quote.TargetType),
		MinDeliveryAmount:  params.Quote.MinDeliveryAmount,
		MaxSourceAmount:    params.Quote.MaxSourceAmount,
		MinExchangeRate:    params.Quote.MinExchangeRate,
		ProgressAmountSent: params.ProgressAmountSent,
	})
	if err != nil {
		return nil, err
	}
	return &PayOutcome{
		AmountSent:      result.AmountSent,
		AmountDelivered: result.AmountDelivered,
	}, nil
}

// SubAccountClient adapts the account-service client onto the sub-account
// factory capability.
type SubAccountClient struct {
	Client *accountclient.Client
}

func (c *SubAccountClient) CreateSubAccount(ctx context.Context, superAccountID uuid.UUID) (*SubAccount, error) {
	resp, err := c.Client.CreateSubAccount(ctx, superAccountID.String())
	if err != nil {
		return nil, err
	}
	accountID, err := uuid.Parse(resp.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account service returned malformed account id %q: %w", resp.AccountID, err)
	}
	return &SubAccount{
		ID:         accountID,
		AssetCode:  resp.AssetCode,
		AssetScale: resp.AssetScale,
	}, nil
}
