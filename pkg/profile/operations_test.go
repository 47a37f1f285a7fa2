package profile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var skinOffer = &Offer{
	OfferID:    "v2:/offer-renegade",
	DevName:    "Renegade Raider",
	FinalPrice: 1200,
	Grants:     []Grant{{TemplateID: "AthenaCharacter:CID_028_Renegade", Quantity: 1}},
}

func requireOpCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	var opErr *Error
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, code, opErr.Code)
}

func TestSetCosmeticLockerSlotDance(t *testing.T) {
	rig := newTestRig()

	env := rig.apply(t, "alice", TypeAthena, "SetCosmeticLockerSlot", map[string]any{
		"slotName":        "Dance",
		"itemToSlot":      "AthenaDance:EID_Floss",
		"indexWithinSlot": 2,
	})
	require.Len(t, env.ProfileChanges, 1)
	require.Equal(t, "statModified", env.ProfileChanges[0].ChangeType)
	require.Equal(t, "favorite_dance", env.ProfileChanges[0].Name)

	p, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	var slots []string
	ok, err := statAttr(p, "favorite_dance", &slots)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, slots, danceSlots)
	require.Equal(t, "AthenaDance:EID_Floss", slots[2])
	require.Equal(t, "", slots[0])
}

func TestSetCosmeticLockerSlotDanceIndexOutOfRange(t *testing.T) {
	rig := newTestRig()

	_, err := rig.applyErr("alice", TypeAthena, "SetCosmeticLockerSlot", map[string]any{
		"slotName":        "Dance",
		"itemToSlot":      "AthenaDance:EID_Floss",
		"indexWithinSlot": 6,
	})
	requireOpCode(t, err, CodeInvalidRequest)
}

func TestSetCosmeticLockerSlotWrapBulk(t *testing.T) {
	rig := newTestRig()

	rig.apply(t, "alice", TypeAthena, "SetCosmeticLockerSlot", map[string]any{
		"slotName":        "ItemWrap",
		"itemToSlot":      "AthenaItemWrap:Wrap_Camo",
		"indexWithinSlot": -1,
	})

	p, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	var slots []string
	_, err = statAttr(p, "favorite_itemwraps", &slots)
	require.NoError(t, err)
	require.Len(t, slots, wrapSlots)
	for _, s := range slots {
		require.Equal(t, "AthenaItemWrap:Wrap_Camo", s)
	}
}

// Equipping a wrap at any index fills every position: wraps are a bulk
// slot and the index the client sends is advisory.
func TestSetCosmeticLockerSlotWrapIndexEquipsAll(t *testing.T) {
	rig := newTestRig()

	rig.apply(t, "alice", TypeAthena, "SetCosmeticLockerSlot", map[string]any{
		"slotName":        "ItemWrap",
		"itemToSlot":      "AthenaItemWrap:Wrap_Camo",
		"indexWithinSlot": 3,
	})

	p, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	var slots []string
	_, err = statAttr(p, "favorite_itemwraps", &slots)
	require.NoError(t, err)
	require.Len(t, slots, wrapSlots)
	for _, s := range slots {
		require.Equal(t, "AthenaItemWrap:Wrap_Camo", s)
	}
}

func TestSetCosmeticLockerSlotWrapIndexOutOfRange(t *testing.T) {
	rig := newTestRig()

	_, err := rig.applyErr("alice", TypeAthena, "SetCosmeticLockerSlot", map[string]any{
		"slotName":        "ItemWrap",
		"itemToSlot":      "AthenaItemWrap:Wrap_Camo",
		"indexWithinSlot": 7,
	})
	requireOpCode(t, err, CodeInvalidRequest)
}

func TestSetCosmeticLockerSlotGenericSlot(t *testing.T) {
	rig := newTestRig()

	rig.apply(t, "alice", TypeAthena, "SetCosmeticLockerSlot", map[string]any{
		"slotName":   "Character",
		"itemToSlot": "AthenaCharacter:CID_028_Renegade",
	})

	p, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	require.Equal(t, "AthenaCharacter:CID_028_Renegade", p.Stats.Attributes["favorite_character"])
}

// Slotting by item ID resolves to the item's template; the stored value is
// always a template ID.
func TestSetCosmeticLockerSlotResolvesItemID(t *testing.T) {
	rig := newTestRig()
	rig.apply(t, "alice", TypeAthena, "QueryProfile", nil)

	p, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	pickaxeID, _ := p.FindItemByTemplate("AthenaPickaxe:DefaultPickaxe")
	require.NotEmpty(t, pickaxeID)

	rig.apply(t, "alice", TypeAthena, "SetCosmeticLockerSlot", map[string]any{
		"slotName":   "Pickaxe",
		"itemToSlot": pickaxeID,
	})

	p, err = rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	require.Equal(t, "AthenaPickaxe:DefaultPickaxe", p.Stats.Attributes["favorite_pickaxe"])
}

func TestMarkItemSeenSkipsMissingAndAlreadySeen(t *testing.T) {
	rig := newTestRig()
	rig.apply(t, "alice", TypeAthena, "QueryProfile", nil)

	p, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	// Seeded cosmetics start item_seen=true.
	pickaxeID, _ := p.FindItemByTemplate("AthenaPickaxe:DefaultPickaxe")

	env := rig.apply(t, "alice", TypeAthena, "MarkItemSeen", map[string]any{
		"itemIds": []string{pickaxeID, "no-such-item"},
	})
	require.Empty(t, env.ProfileChanges)
	require.Equal(t, int64(0), env.ProfileRevision)
}

func TestMarkItemSeenFlagsUnseenItem(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.grantMtx(t, "alice", 2000)
	rig.apply(t, "alice", TypeCommonCore, "PurchaseCatalogEntry", map[string]any{
		"offerId":  skinOffer.OfferID,
		"currency": "MtxCurrency",
	})

	p, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	skinID, skin := p.FindItemByTemplate(skinOffer.Grants[0].TemplateID)
	require.NotNil(t, skin)
	require.Equal(t, false, skin.Attributes["item_seen"])

	env := rig.apply(t, "alice", TypeAthena, "MarkItemSeen", map[string]any{
		"itemIds": []string{skinID},
	})
	require.Len(t, env.ProfileChanges, 1)
	require.Equal(t, "itemAttrChanged", env.ProfileChanges[0].ChangeType)

	p, err = rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	_, skin = p.FindItemByTemplate(skinOffer.Grants[0].TemplateID)
	require.Equal(t, true, skin.Attributes["item_seen"])
}

// An item_seen value of the wrong type is left untouched instead of being
// overwritten.
func TestMarkItemSeenSkipsMalformedFlag(t *testing.T) {
	rig := newTestRig()
	rig.apply(t, "alice", TypeAthena, "QueryProfile", nil)

	var itemID string
	err := rig.engine.MutateProfile("alice", TypeAthena, func(p *Profile) ([]Change, error) {
		id, item := p.FindItemByTemplate("AthenaPickaxe:DefaultPickaxe")
		itemID = id
		item.Attributes["item_seen"] = "yes"
		return []Change{ItemAttrChanged(id, "item_seen", "yes")}, nil
	})
	require.NoError(t, err)

	env := rig.apply(t, "alice", TypeAthena, "MarkItemSeen", map[string]any{
		"itemIds": []string{itemID},
	})
	require.Empty(t, env.ProfileChanges)

	p, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	require.Equal(t, "yes", p.Item(itemID).Attributes["item_seen"])
}

func TestSetItemFavoriteStatusBatchLengthMismatch(t *testing.T) {
	rig := newTestRig()

	_, err := rig.applyErr("alice", TypeAthena, "SetItemFavoriteStatusBatch", map[string]any{
		"itemIds":       []string{"a", "b"},
		"itemFavStatus": []bool{true},
	})
	requireOpCode(t, err, CodeInvalidRequest)
}

func TestPurchaseCatalogEntry(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.grantMtx(t, "alice", 2000)

	env := rig.apply(t, "alice", TypeCommonCore, "PurchaseCatalogEntry", map[string]any{
		"offerId":  skinOffer.OfferID,
		"currency": "MtxCurrency",
	})

	// Primary envelope: currency debit plus the history entry.
	require.Equal(t, TypeCommonCore, env.ProfileID)
	var sawDebit bool
	for _, ch := range env.ProfileChanges {
		if ch.ChangeType == "itemQuantityChanged" {
			sawDebit = true
			require.Equal(t, 800, *ch.Quantity)
		}
	}
	require.True(t, sawDebit)

	// The athena grant rides along as a multiUpdate.
	require.Len(t, env.MultiUpdate, 1)
	require.Equal(t, TypeAthena, env.MultiUpdate[0].ProfileID)
	require.Equal(t, "itemAdded", env.MultiUpdate[0].ProfileChanges[0].ChangeType)

	core, err := rig.store.Load("alice", TypeCommonCore)
	require.NoError(t, err)
	_, mtx := core.FindItemByTemplate(MtxTemplateID)
	require.Equal(t, 800, mtx.Quantity)

	var history PurchaseHistory
	_, err = statAttr(core, "mtx_purchase_history", &history)
	require.NoError(t, err)
	require.Len(t, history.Purchases, 1)
	require.Equal(t, skinOffer.OfferID, history.Purchases[0].OfferID)
	require.Equal(t, 1200, history.Purchases[0].TotalMtxPaid)

	athena, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	_, skin := athena.FindItemByTemplate(skinOffer.Grants[0].TemplateID)
	require.NotNil(t, skin)
}

func TestPurchaseInsufficientFundsLeavesProfileUnchanged(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.apply(t, "alice", TypeCommonCore, "QueryProfile", nil)

	_, err := rig.applyErr("alice", TypeCommonCore, "PurchaseCatalogEntry", map[string]any{
		"offerId":  skinOffer.OfferID,
		"currency": "MtxCurrency",
	})
	requireOpCode(t, err, CodeInvalidRequest)

	core, err := rig.store.Load("alice", TypeCommonCore)
	require.NoError(t, err)
	require.Equal(t, int64(0), core.Rvn)
	_, mtx := core.FindItemByTemplate(MtxTemplateID)
	require.Equal(t, 0, mtx.Quantity)
}

func TestPurchaseAlreadyOwnedConflicts(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.grantMtx(t, "alice", 5000)

	rig.apply(t, "alice", TypeCommonCore, "PurchaseCatalogEntry", map[string]any{
		"offerId":  skinOffer.OfferID,
		"currency": "MtxCurrency",
	})
	_, err := rig.applyErr("alice", TypeCommonCore, "PurchaseCatalogEntry", map[string]any{
		"offerId":  skinOffer.OfferID,
		"currency": "MtxCurrency",
	})
	requireOpCode(t, err, CodeConflict)
}

func TestPurchaseUnknownOffer(t *testing.T) {
	rig := newTestRig()
	rig.grantMtx(t, "alice", 5000)

	_, err := rig.applyErr("alice", TypeCommonCore, "PurchaseCatalogEntry", map[string]any{
		"offerId":  "v2:/no-such-offer",
		"currency": "MtxCurrency",
	})
	requireOpCode(t, err, CodeNotFound)
}

func TestPurchaseRejectsNonMtxCurrency(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.grantMtx(t, "alice", 5000)

	for _, currency := range []string{"", "RealMoney", "GameItem"} {
		_, err := rig.applyErr("alice", TypeCommonCore, "PurchaseCatalogEntry", map[string]any{
			"offerId":  skinOffer.OfferID,
			"currency": currency,
		})
		requireOpCode(t, err, CodeInvalidRequest)
	}
}

// An offer granting the same template twice yields one item entry with the
// quantities summed, not two entries.
func TestPurchaseSumsDuplicateGrants(t *testing.T) {
	offer := &Offer{
		OfferID:    "v2:/offer-bundle",
		DevName:    "Shard Bundle",
		FinalPrice: 300,
		Grants: []Grant{
			{TemplateID: "AthenaResource:Shard", Quantity: 1},
			{TemplateID: "AthenaResource:Shard", Quantity: 2},
		},
	}
	rig := newTestRig(offer)
	rig.grantMtx(t, "alice", 1000)

	rig.apply(t, "alice", TypeCommonCore, "PurchaseCatalogEntry", map[string]any{
		"offerId":  offer.OfferID,
		"currency": "MtxCurrency",
	})

	athena, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	var entries int
	for _, item := range athena.Items {
		if item.TemplateID == "AthenaResource:Shard" {
			entries++
			require.Equal(t, 3, item.Quantity)
		}
	}
	require.Equal(t, 1, entries)
}

func TestGiftRequiresFriendship(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.grantMtx(t, "alice", 5000)

	_, err := rig.applyErr("alice", TypeCommonCore, "GiftCatalogEntry", map[string]any{
		"offerId":            skinOffer.OfferID,
		"receiverAccountIds": []string{"bob"},
	})
	requireOpCode(t, err, CodeForbidden)
}

func TestGiftRejectsDuplicateReceivers(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.grantMtx(t, "alice", 5000)
	rig.befriend("alice", "bob")

	_, err := rig.applyErr("alice", TypeCommonCore, "GiftCatalogEntry", map[string]any{
		"offerId":            skinOffer.OfferID,
		"receiverAccountIds": []string{"bob", "bob"},
	})
	requireOpCode(t, err, CodeInvalidRequest)
}

// Gifting to yourself is a valid purchase path and needs no friendship.
func TestGiftToSelfSkipsFriendCheck(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.grantMtx(t, "alice", 2000)

	rig.apply(t, "alice", TypeCommonCore, "GiftCatalogEntry", map[string]any{
		"offerId":            skinOffer.OfferID,
		"receiverAccountIds": []string{"alice"},
	})

	core, err := rig.store.Load("alice", TypeCommonCore)
	require.NoError(t, err)
	_, mtx := core.FindItemByTemplate(MtxTemplateID)
	require.Equal(t, 800, mtx.Quantity)

	athena, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	_, skin := athena.FindItemByTemplate(skinOffer.Grants[0].TemplateID)
	require.NotNil(t, skin)

	var gifts []GiftRecord
	_, err = statAttr(core, "gifts", &gifts)
	require.NoError(t, err)
	require.Len(t, gifts, 1)
	require.Equal(t, "alice", gifts[0].FromAccountID)
}

func TestGiftDeliversToReceiver(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.grantMtx(t, "alice", 2000)
	rig.befriend("alice", "bob")

	env := rig.apply(t, "alice", TypeCommonCore, "GiftCatalogEntry", map[string]any{
		"offerId":            skinOffer.OfferID,
		"receiverAccountIds": []string{"bob"},
		"personalMessage":    "gg",
	})

	// Sender paid.
	core, err := rig.store.Load("alice", TypeCommonCore)
	require.NoError(t, err)
	_, mtx := core.FindItemByTemplate(MtxTemplateID)
	require.Equal(t, 800, mtx.Quantity)
	require.NotEmpty(t, env.ProfileChanges)

	// Receiver got the item and a gift-box record.
	bobAthena, err := rig.store.Load("bob", TypeAthena)
	require.NoError(t, err)
	_, skin := bobAthena.FindItemByTemplate(skinOffer.Grants[0].TemplateID)
	require.NotNil(t, skin)

	bobCore, err := rig.store.Load("bob", TypeCommonCore)
	require.NoError(t, err)
	var gifts []GiftRecord
	_, err = statAttr(bobCore, "gifts", &gifts)
	require.NoError(t, err)
	require.Len(t, gifts, 1)
	require.Equal(t, "alice", gifts[0].FromAccountID)
	require.Equal(t, "gg", gifts[0].PersonalMessage)
	require.Len(t, gifts[0].LootList, 1)

	// Audit row and live notification.
	require.Equal(t, []string{"alice->bob:" + skinOffer.OfferID}, rig.receipts.rows)
	require.Len(t, rig.notifier.payloads["bob"], 1)
	require.Equal(t, "gift.received", rig.notifier.payloads["bob"][0]["type"])
}

func TestRefundMtxPurchase(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.grantMtx(t, "alice", 2000)

	rig.apply(t, "alice", TypeCommonCore, "PurchaseCatalogEntry", map[string]any{
		"offerId":  skinOffer.OfferID,
		"currency": "MtxCurrency",
	})

	core, err := rig.store.Load("alice", TypeCommonCore)
	require.NoError(t, err)
	var history PurchaseHistory
	_, err = statAttr(core, "mtx_purchase_history", &history)
	require.NoError(t, err)
	purchaseID := history.Purchases[0].PurchaseID

	env := rig.apply(t, "alice", TypeCommonCore, "RefundMtxPurchase", map[string]any{
		"purchaseId": purchaseID,
	})

	// Currency restored, item clawed back via multiUpdate.
	core, err = rig.store.Load("alice", TypeCommonCore)
	require.NoError(t, err)
	_, mtx := core.FindItemByTemplate(MtxTemplateID)
	require.Equal(t, 2000, mtx.Quantity)

	require.Len(t, env.MultiUpdate, 1)
	require.Equal(t, "itemRemoved", env.MultiUpdate[0].ProfileChanges[0].ChangeType)

	athena, err := rig.store.Load("alice", TypeAthena)
	require.NoError(t, err)
	_, skin := athena.FindItemByTemplate(skinOffer.Grants[0].TemplateID)
	require.Nil(t, skin)

	_, err = statAttr(core, "mtx_purchase_history", &history)
	require.NoError(t, err)
	require.True(t, history.Purchases[0].Refunded)
	require.Equal(t, 1, history.RefundsUsed)
	require.Equal(t, 2, history.RefundCredits)
}

func TestRefundUnknownAndRepeated(t *testing.T) {
	rig := newTestRig(skinOffer)
	rig.grantMtx(t, "alice", 2000)

	_, err := rig.applyErr("alice", TypeCommonCore, "RefundMtxPurchase", map[string]any{
		"purchaseId": "nope",
	})
	requireOpCode(t, err, CodeNotFound)

	rig.apply(t, "alice", TypeCommonCore, "PurchaseCatalogEntry", map[string]any{
		"offerId":  skinOffer.OfferID,
		"currency": "MtxCurrency",
	})
	core, err := rig.store.Load("alice", TypeCommonCore)
	require.NoError(t, err)
	var history PurchaseHistory
	_, err = statAttr(core, "mtx_purchase_history", &history)
	require.NoError(t, err)
	purchaseID := history.Purchases[0].PurchaseID

	rig.apply(t, "alice", TypeCommonCore, "RefundMtxPurchase", map[string]any{"purchaseId": purchaseID})
	_, err = rig.applyErr("alice", TypeCommonCore, "RefundMtxPurchase", map[string]any{"purchaseId": purchaseID})
	requireOpCode(t, err, CodeConflict)
}
