// internal/orchestrator/schemas.go
package orchestrator

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"poolguarantee/internal/authz"
	"poolguarantee/internal/common/errors"
)

// Payload schemas per action. Monetary fields are decimal strings; the
// settlement calculator re-validates their numeric content. The pattern is
// embedded in JSON, so the regex backslash must be JSON-escaped.
const decimalPattern = `^[0-9]+(\\.[0-9]+)?$`

var payloadSchemas = map[authz.Action]string{
	authz.ActionSubmitApplication: `{
		"type": "object",
		"required": ["buyer", "seller", "tradeDescription", "tradeValue", "guaranteeAmount", "financingDuration"],
		"properties": {
			"buyer": {
				"type": "object",
				"required": ["company", "walletAddress"],
				"properties": {
					"company": {"type": "string", "minLength": 1},
					"registration": {"type": "string"},
					"country": {"type": "string"},
					"contact": {"type": "string"},
					"email": {"type": "string"},
					"walletAddress": {"type": "string", "minLength": 1},
					"applicationDate": {"type": "string"}
				}
			},
			"seller": {
				"type": "object",
				"required": ["walletAddress"],
				"properties": {
					"walletAddress": {"type": "string", "minLength": 1},
					"displayName": {"type": "string"},
					"email": {"type": "string"}
				}
			},
			"tradeDescription": {"type": "string", "minLength": 1},
			"tradeValue": {"type": "string", "pattern": "` + decimalPattern + `"},
			"guaranteeAmount": {"type": "string", "pattern": "` + decimalPattern + `"},
			"collateralDescription": {"type": "string"},
			"financingDuration": {"type": "integer", "minimum": 1},
			"contractNumber": {"type": "string"},
			"paymentDueDate": {"type": "string"}
		}
	}`,

	authz.ActionSendDraft: `{
		"type": "object",
		"properties": {}
	}`,

	authz.ActionCastVote: `{
		"type": "object",
		"required": ["voterAddress", "decision"],
		"properties": {
			"voterAddress": {"type": "string", "minLength": 1},
			"decision": {"type": "string", "enum": ["approve", "reject"]}
		}
	}`,

	authz.ActionApproveDraft: `{
		"type": "object",
		"required": ["sellerAddress"],
		"properties": {
			"sellerAddress": {"type": "string", "minLength": 1}
		}
	}`,

	authz.ActionRejectDraft: `{
		"type": "object",
		"required": ["sellerAddress"],
		"properties": {
			"sellerAddress": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`,

	authz.ActionPayFee: `{
		"type": "object",
		"required": ["payerAddress"],
		"properties": {
			"payerAddress": {"type": "string", "minLength": 1}
		}
	}`,

	authz.ActionIssueCertificate: `{
		"type": "object",
		"required": ["financierAddress"],
		"properties": {
			"financierAddress": {"type": "string", "minLength": 1}
		}
	}`,

	authz.ActionConfirmShipment: `{
		"type": "object",
		"required": ["actorAddress", "proof"],
		"properties": {
			"actorAddress": {"type": "string", "minLength": 1},
			"proof": {
				"type": "object",
				"required": ["trackingNumber", "carrier"],
				"properties": {
					"trackingNumber": {"type": "string", "minLength": 1},
					"carrier": {"type": "string", "minLength": 1},
					"shippingDate": {"type": "string"},
					"documents": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}`,

	authz.ActionCreateDeliveryAgreement: `{
		"type": "object",
		"required": ["actorAddress", "deliveryAgreementId"],
		"properties": {
			"actorAddress": {"type": "string", "minLength": 1},
			"deliveryAgreementId": {"type": "string", "minLength": 1}
		}
	}`,

	authz.ActionConfirmDelivery: `{
		"type": "object",
		"required": ["buyerAddress"],
		"properties": {
			"buyerAddress": {"type": "string", "minLength": 1},
			"deliveryDate": {"type": "string"}
		}
	}`,

	authz.ActionReleasePayment: `{
		"type": "object",
		"required": ["buyerAddress"],
		"properties": {
			"buyerAddress": {"type": "string", "minLength": 1}
		}
	}`,

	authz.ActionCloseGuarantee: `{
		"type": "object",
		"required": ["buyerAddress"],
		"properties": {
			"buyerAddress": {"type": "string", "minLength": 1}
		}
	}`,
}

var compiledSchemas = func() map[authz.Action]*gojsonschema.Schema {
	out := make(map[authz.Action]*gojsonschema.Schema, len(payloadSchemas))
	for action, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic("invalid payload schema for " + string(action) + ": " + err.Error())
		}
		out[action] = schema
	}
	return out
}()

// validatePayload checks the action payload against its schema.
func validatePayload(action authz.Action, payload map[string]interface{}) error {
	schema, ok := compiledSchemas[action]
	if !ok {
		return errors.NewUnknownActionError(string(action))
	}

	if payload == nil {
		payload = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return errors.NewValidationFailedError(err.Error())
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.NewValidationFailedError(strings.Join(msgs, "; "))
	}
	return nil
}
