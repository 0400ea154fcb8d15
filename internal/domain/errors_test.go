package domain

import "testing"

func TestClassify_PartitionsTheErrorTaxonomy(t *testing.T) {
	terminal := []PaymentError{
		PaymentErrorInvalidPaymentPointer,
		PaymentErrorInvalidCredentials,
		PaymentErrorUnknownSourceAsset,
		PaymentErrorUnknownPaymentTarget,
		PaymentErrorInvalidSourceAmount,
		PaymentErrorInvalidDestinationAmount,
		PaymentErrorUnenforceableDelivery,
		PaymentErrorQueryFailed,
	}
	for _, code := range terminal {
		if Classify(code) != ErrorClassTerminal {
			t.Fatalf("expected %s to classify terminal", code)
		}
	}

	retryable := []PaymentError{
		PaymentErrorInvalidSlippage,
		PaymentErrorInvalidQuote,
		PaymentErrorConnectorError,
		PaymentErrorEstablishmentFailed,
		PaymentErrorUnknownDestinationAsset,
		PaymentErrorDestinationAssetConflict,
		PaymentErrorExternalRateUnavailable,
		PaymentErrorRateProbeFailed,
		PaymentErrorInsufficientExchangeRate,
		PaymentErrorIdleTimeout,
		PaymentErrorClosedByReceiver,
		PaymentErrorIncompatibleReceiveMax,
		PaymentErrorReceiverProtocolViolation,
		PaymentErrorMaxSafeEncryptionLimit,
	}
	for _, code := range retryable {
		if Classify(code) != ErrorClassRetryable {
			t.Fatalf("expected %s to classify retryable", code)
		}
	}

	if Classify(PaymentErrorInvoiceAlreadyPaid) != ErrorClassDone {
		t.Fatal("expected InvoiceAlreadyPaid to classify done")
	}

	// Codes outside the closed set behave like transient faults.
	if Classify(PaymentError("SomethingNew")) != ErrorClassRetryable {
		t.Fatal("expected unknown codes to classify retryable")
	}
}
