package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rongwang/points-ledger/internal/api/testutils"
	"github.com/rongwang/points-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeTransaction(t *testing.T, w *httptest.ResponseRecorder) models.TransactionResponse {
	t.Helper()

	var resp models.TransactionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestCreatePurchase(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	cashier := testCtx.CreateUser(t, "cashier1", models.RoleCashier, 0)
	alice := testCtx.CreateUser(t, "alice", models.RoleRegular, 0)

	promo := &models.Promotion{
		Name:        "20% over 30",
		Kind:        models.PromotionAutomatic,
		StartTime:   testCtx.Now.Add(-time.Hour),
		EndTime:     testCtx.Now.Add(time.Hour),
		MinSpending: decimal.NullDecimal{Decimal: decimal.NewFromInt(30), Valid: true},
		Rate:        decimal.NullDecimal{Decimal: decimal.RequireFromString("0.2"), Valid: true},
	}
	require.NoError(t, testCtx.Repository.CreatePromotion(context.Background(), promo))

	// Test case 1: Successful purchase with an automatic promotion
	body := map[string]interface{}{
		"utorid": "alice",
		"type":   "purchase",
		"spent":  50.00,
		"remark": "coffee",
	}
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions", body, testCtx.As(t, cashier.ID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeTransaction(t, w)
	assert.Equal(t, models.KindPurchase, resp.Type)
	assert.Equal(t, alice.ID, resp.UserID)
	assert.Equal(t, int64(1200), resp.Amount)
	assert.Equal(t, []int64{promo.ID}, resp.PromotionIDs)
	require.NotNil(t, resp.Spent)
	assert.True(t, decimal.NewFromInt(50).Equal(*resp.Spent))
	assert.Equal(t, "coffee", resp.Remark)
	assert.Equal(t, cashier.ID, resp.CreatedBy)
	assert.Nil(t, resp.Redeemed)
	assert.Nil(t, resp.RelatedID)
	assert.Equal(t, int64(1200), testCtx.Balance(t, alice.ID))

	// Test case 2: Regular users cannot record purchases
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions", body, testCtx.As(t, alice.ID))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Test case 3: Missing spent
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions",
		map[string]interface{}{"utorid": "alice", "type": "purchase"}, testCtx.As(t, cashier.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Test case 4: Unsupported type on this route
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions",
		map[string]interface{}{"utorid": "alice", "type": "transfer", "amount": 5}, testCtx.As(t, cashier.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Test case 5: Unknown promotion
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions",
		map[string]interface{}{"utorid": "alice", "type": "purchase", "spent": 5, "promotionIds": []int64{77}},
		testCtx.As(t, cashier.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, testutils.DecodeError(t, w).Message, "77")

	// Test case 6: Unknown customer
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions",
		map[string]interface{}{"utorid": "nobody", "type": "purchase", "spent": 5}, testCtx.As(t, cashier.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOneTimePromotionConflict(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	cashier := testCtx.CreateUser(t, "cashier1", models.RoleCashier, 0)
	testCtx.CreateUser(t, "alice", models.RoleRegular, 0)

	points := int64(100)
	promo := &models.Promotion{
		Name:      "welcome",
		Kind:      models.PromotionOneTime,
		StartTime: testCtx.Now.Add(-time.Hour),
		EndTime:   testCtx.Now.Add(time.Hour),
		Points:    &points,
	}
	require.NoError(t, testCtx.Repository.CreatePromotion(context.Background(), promo))

	body := map[string]interface{}{
		"utorid":       "alice",
		"type":         "purchase",
		"spent":        "10.00",
		"promotionIds": []int64{promo.ID},
	}

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions", body, testCtx.As(t, cashier.ID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, int64(140), decodeTransaction(t, w).Amount)

	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions", body, testCtx.As(t, cashier.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	errResp := testutils.DecodeError(t, w)
	assert.Equal(t, "PROMOTION_CONFLICT", errResp.Code)
	assert.Contains(t, errResp.Message, fmt.Sprintf("promotion %d", promo.ID))
}

func TestCreateAdjustment(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	cashier := testCtx.CreateUser(t, "cashier1", models.RoleCashier, 0)
	manager := testCtx.CreateUser(t, "manager1", models.RoleManager, 0)
	alice := testCtx.CreateUser(t, "alice", models.RoleRegular, 0)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions",
		map[string]interface{}{"utorid": "alice", "type": "purchase", "spent": 25}, testCtx.As(t, cashier.ID))
	require.Equal(t, http.StatusCreated, w.Code)
	purchaseID := decodeTransaction(t, w).ID

	// Test case 1: Missing relatedId
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions",
		map[string]interface{}{"utorid": "alice", "type": "adjustment", "amount": -10}, testCtx.As(t, manager.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Test case 2: Cashiers cannot adjust
	adjust := map[string]interface{}{"utorid": "alice", "type": "adjustment", "amount": -10, "relatedId": purchaseID}
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions", adjust, testCtx.As(t, cashier.ID))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Test case 3: Successful adjustment
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions", adjust, testCtx.As(t, manager.ID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeTransaction(t, w)
	assert.Equal(t, models.KindAdjustment, resp.Type)
	assert.Equal(t, int64(-10), resp.Amount)
	require.NotNil(t, resp.RelatedID)
	assert.Equal(t, purchaseID, *resp.RelatedID)
	assert.Nil(t, resp.Spent)
	assert.Equal(t, int64(90), testCtx.Balance(t, alice.ID))

	// Test case 4: relatedId that does not exist
	adjust["relatedId"] = 9999
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions", adjust, testCtx.As(t, manager.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRedemptionFlow(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	cashier := testCtx.CreateUser(t, "cashier1", models.RoleCashier, 0)
	alice := testCtx.CreateUser(t, "alice", models.RoleRegular, 100)

	// Test case 1: Over the balance
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/users/me/transactions",
		map[string]interface{}{"type": "redemption", "amount": 150}, testCtx.As(t, alice.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", testutils.DecodeError(t, w).Code)
	assert.Equal(t, int64(100), testCtx.Balance(t, alice.ID))

	// Test case 2: Successful request
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/users/me/transactions",
		map[string]interface{}{"type": "redemption", "amount": 60, "remark": "mug"}, testCtx.As(t, alice.ID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeTransaction(t, w)
	assert.Equal(t, models.KindRedemption, resp.Type)
	assert.Equal(t, int64(0), resp.Amount)
	require.NotNil(t, resp.Redeemed)
	assert.Equal(t, int64(60), *resp.Redeemed)
	assert.Nil(t, resp.ProcessedBy)
	path := fmt.Sprintf("/api/transactions/%d/processed", resp.ID)

	// Test case 3: processed=false is not a transition
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path,
		map[string]interface{}{"processed": false}, testCtx.As(t, cashier.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Test case 4: Owners cannot process their own redemption
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path,
		map[string]interface{}{"processed": true}, testCtx.As(t, alice.ID))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Test case 5: Cashier processes it
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path,
		map[string]interface{}{"processed": true}, testCtx.As(t, cashier.ID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = decodeTransaction(t, w)
	assert.Equal(t, int64(-60), resp.Amount)
	require.NotNil(t, resp.ProcessedBy)
	assert.Equal(t, cashier.ID, *resp.ProcessedBy)
	assert.Equal(t, int64(40), testCtx.Balance(t, alice.ID))

	// Test case 6: Processing twice conflicts
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path,
		map[string]interface{}{"processed": true}, testCtx.As(t, cashier.ID))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, int64(40), testCtx.Balance(t, alice.ID))
}

func TestTransfer(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	alice := testCtx.CreateUser(t, "alice", models.RoleRegular, 100)
	bob := testCtx.CreateUser(t, "bob", models.RoleRegular, 10)

	path := fmt.Sprintf("/api/users/%d/transactions", bob.ID)

	// Test case 1: Successful transfer
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, path,
		map[string]interface{}{"type": "transfer", "amount": 40}, testCtx.As(t, alice.ID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decodeTransaction(t, w)
	assert.Equal(t, int64(-40), resp.Amount)
	assert.Equal(t, alice.ID, resp.UserID)
	require.NotNil(t, resp.RelatedID)
	assert.Equal(t, bob.ID, *resp.RelatedID)
	assert.Equal(t, int64(60), testCtx.Balance(t, alice.ID))
	assert.Equal(t, int64(50), testCtx.Balance(t, bob.ID))

	// Test case 2: Self transfer
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, fmt.Sprintf("/api/users/%d/transactions", alice.ID),
		map[string]interface{}{"type": "transfer", "amount": 5}, testCtx.As(t, alice.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Test case 3: Bad path id
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/users/abc/transactions",
		map[string]interface{}{"type": "transfer", "amount": 5}, testCtx.As(t, alice.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Test case 4: Unknown recipient
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/users/9999/transactions",
		map[string]interface{}{"type": "transfer", "amount": 5}, testCtx.As(t, alice.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Test case 5: Non-positive amount is rejected by binding
	w = testutils.PerformRequest(testCtx.Router, http.MethodPost, path,
		map[string]interface{}{"type": "transfer", "amount": -5}, testCtx.As(t, alice.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, int64(60), testCtx.Balance(t, alice.ID))
	assert.Equal(t, int64(50), testCtx.Balance(t, bob.ID))
}

func TestSuspiciousAndReadBack(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	cashier := testCtx.CreateUser(t, "cashier1", models.RoleCashier, 0)
	manager := testCtx.CreateUser(t, "manager1", models.RoleManager, 0)
	alice := testCtx.CreateUser(t, "alice", models.RoleRegular, 0)
	bob := testCtx.CreateUser(t, "bob", models.RoleRegular, 0)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions",
		map[string]interface{}{"utorid": "alice", "type": "purchase", "spent": 25}, testCtx.As(t, cashier.ID))
	require.Equal(t, http.StatusCreated, w.Code)
	id := decodeTransaction(t, w).ID
	path := fmt.Sprintf("/api/transactions/%d", id)

	// Test case 1: Missing body field
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path+"/suspicious",
		map[string]interface{}{}, testCtx.As(t, manager.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Test case 2: Flag it
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path+"/suspicious",
		map[string]interface{}{"suspicious": true}, testCtx.As(t, manager.ID))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeTransaction(t, w).Suspicious)
	assert.Equal(t, int64(0), testCtx.Balance(t, alice.ID))

	// Test case 3: Flag again is a no-op
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path+"/suspicious",
		map[string]interface{}{"suspicious": true}, testCtx.As(t, manager.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(0), testCtx.Balance(t, alice.ID))

	// Test case 4: Owner can read it, others cannot
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, path, nil, testCtx.As(t, alice.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeTransaction(t, w).Suspicious)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, path, nil, testCtx.As(t, bob.ID))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/transactions/9999", nil, testCtx.As(t, manager.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Test case 5: Clear it
	w = testutils.PerformRequest(testCtx.Router, http.MethodPatch, path+"/suspicious",
		map[string]interface{}{"suspicious": false}, testCtx.As(t, manager.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(100), testCtx.Balance(t, alice.ID))
}

func TestCreateTransactionBindingErrors(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	cashier := testCtx.CreateUser(t, "cashier1", models.RoleCashier, 0)
	testCtx.CreateUser(t, "alice", models.RoleRegular, 0)

	testCases := []struct {
		name    string
		body    map[string]interface{}
		message string
	}{
		{
			name:    "negative spent",
			body:    map[string]interface{}{"utorid": "alice", "type": "purchase", "spent": -5},
			message: "spent must be greater than 0",
		},
		{
			name:    "unknown type",
			body:    map[string]interface{}{"utorid": "alice", "type": "refund", "spent": 5},
			message: "type must be one of: purchase adjustment",
		},
		{
			name:    "missing utorid",
			body:    map[string]interface{}{"type": "purchase", "spent": 5},
			message: "utorid is required",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions", tc.body, testCtx.As(t, cashier.ID))
			assert.Equal(t, http.StatusBadRequest, w.Code)

			resp := testutils.DecodeError(t, w)
			assert.Equal(t, "INVALID_REQUEST", resp.Code)
			assert.Contains(t, resp.Message, tc.message)
		})
	}
	assert.Empty(t, testCtx.Repository.Transactions())
}

func TestGetAuditTrail(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	cashier := testCtx.CreateUser(t, "cashier1", models.RoleCashier, 0)
	manager := testCtx.CreateUser(t, "manager1", models.RoleManager, 0)
	alice := testCtx.CreateUser(t, "alice", models.RoleRegular, 0)

	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/transactions",
		map[string]interface{}{"utorid": "alice", "type": "purchase", "spent": 5}, testCtx.As(t, cashier.ID))
	require.Equal(t, http.StatusCreated, w.Code)
	path := fmt.Sprintf("/api/transactions/%d/audit", decodeTransaction(t, w).ID)

	// Test case 1: Owners cannot read the trail
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, path, nil, testCtx.As(t, alice.ID))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Test case 2: Managers get a list, empty when no trail store is configured
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, path, nil, testCtx.As(t, manager.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	// Test case 3: Unknown transaction
	w = testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/transactions/9999/audit", nil, testCtx.As(t, manager.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
