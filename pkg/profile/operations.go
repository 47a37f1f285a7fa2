package profile

import (
	"strings"

	"github.com/google/uuid"
)

// registerOperations installs the standard client-command set. Names match
// what game clients send on the wire.
func registerOperations(e *Engine) {
	e.Register("QueryProfile", opNoop)
	e.Register("ClientQuestLogin", opNoop)
	e.Register("MarkItemSeen", opMarkItemSeen)
	e.Register("SetItemFavoriteStatusBatch", opSetItemFavoriteStatusBatch)
	e.Register("SetCosmeticLockerSlot", opSetCosmeticLockerSlot)
	e.Register("EquipBattleRoyaleCustomization", opSetCosmeticLockerSlot)
	e.Register("SetBattleRoyaleBanner", opSetBattleRoyaleBanner)
	e.Register("PurchaseCatalogEntry", opPurchaseCatalogEntry)
	e.Register("GiftCatalogEntry", opGiftCatalogEntry)
	e.Register("RefundMtxPurchase", opRefundMtxPurchase)
}

// opNoop covers read-only commands: the engine responds with the current
// revision and an empty change list.
func opNoop(c *OpContext) error {
	return nil
}

func opMarkItemSeen(c *OpContext) error {
	var body struct {
		ItemIDs []string `json:"itemIds"`
	}
	if err := c.Decode(&body); err != nil {
		return err
	}

	for _, id := range body.ItemIDs {
		item := c.Profile.Item(id)
		if item == nil {
			continue
		}
		if raw, exists := item.Attributes["item_seen"]; exists {
			seen, ok := raw.(bool)
			if !ok {
				// Malformed flag: leave the item alone rather than clobber it.
				continue
			}
			if seen {
				continue
			}
		}
		item.Attributes["item_seen"] = true
		c.Emit(ItemAttrChanged(id, "item_seen", true))
	}
	return nil
}

func opSetItemFavoriteStatusBatch(c *OpContext) error {
	var body struct {
		ItemIDs       []string `json:"itemIds"`
		ItemFavStatus []bool   `json:"itemFavStatus"`
	}
	if err := c.Decode(&body); err != nil {
		return err
	}
	if len(body.ItemIDs) != len(body.ItemFavStatus) {
		return InvalidRequest("itemIds and itemFavStatus length mismatch: %d vs %d",
			len(body.ItemIDs), len(body.ItemFavStatus))
	}

	for i, id := range body.ItemIDs {
		item := c.Profile.Item(id)
		if item == nil {
			continue
		}
		want := body.ItemFavStatus[i]
		if raw, exists := item.Attributes["favorite"]; exists {
			cur, ok := raw.(bool)
			if !ok {
				continue
			}
			if cur == want {
				continue
			}
		}
		item.Attributes["favorite"] = want
		c.Emit(ItemAttrChanged(id, "favorite", want))
	}
	return nil
}

const (
	danceSlots = 6
	wrapSlots  = 7
)

func opSetCosmeticLockerSlot(c *OpContext) error {
	var body struct {
		SlotName        string `json:"slotName"`
		ItemToSlot      string `json:"itemToSlot"`
		IndexWithinSlot int    `json:"indexWithinSlot"`
	}
	if err := c.Decode(&body); err != nil {
		return err
	}
	if body.SlotName == "" {
		return InvalidRequest("missing slotName")
	}

	template := c.Profile.ResolveTemplate(body.ItemToSlot)

	switch body.SlotName {
	case "Dance":
		if body.IndexWithinSlot < 0 || body.IndexWithinSlot >= danceSlots {
			return InvalidRequest("dance slot index %d out of range", body.IndexWithinSlot)
		}
		slots := loadSlots(c.Profile, "favorite_dance", danceSlots)
		slots[body.IndexWithinSlot] = template
		c.Profile.Stats.Attributes["favorite_dance"] = slots
		c.Emit(StatModified("favorite_dance", slots))

	case "ItemWrap":
		if body.IndexWithinSlot < -1 || body.IndexWithinSlot >= wrapSlots {
			return InvalidRequest("wrap slot index %d out of range", body.IndexWithinSlot)
		}
		// Wrap equips are always bulk: whatever index the client sends, the
		// same wrap lands in every position.
		slots := make([]string, wrapSlots)
		for i := range slots {
			slots[i] = template
		}
		c.Profile.Stats.Attributes["favorite_itemwraps"] = slots
		c.Emit(StatModified("favorite_itemwraps", slots))

	default:
		stat := "favorite_" + strings.ToLower(body.SlotName)
		c.Profile.Stats.Attributes[stat] = template
		c.Emit(StatModified(stat, template))
	}
	return nil
}

// loadSlots reads a string-array stat, tolerating missing or short values.
func loadSlots(p *Profile, name string, n int) []string {
	slots := make([]string, n)
	var stored []string
	if ok, err := statAttr(p, name, &stored); ok && err == nil {
		copy(slots, stored)
	}
	return slots
}

func opSetBattleRoyaleBanner(c *OpContext) error {
	var body struct {
		IconID  string `json:"homebaseBannerIconId"`
		ColorID string `json:"homebaseBannerColorId"`
	}
	if err := c.Decode(&body); err != nil {
		return err
	}
	if body.IconID == "" || body.ColorID == "" {
		return InvalidRequest("missing banner icon or color")
	}

	if c.Profile.Stats.Attributes["banner_icon"] != body.IconID {
		c.Profile.Stats.Attributes["banner_icon"] = body.IconID
		c.Emit(StatModified("banner_icon", body.IconID))
	}
	if c.Profile.Stats.Attributes["banner_color"] != body.ColorID {
		c.Profile.Stats.Attributes["banner_color"] = body.ColorID
		c.Emit(StatModified("banner_color", body.ColorID))
	}
	return nil
}

func opPurchaseCatalogEntry(c *OpContext) error {
	if c.Profile.ProfileID != TypeCommonCore {
		return InvalidRequest("PurchaseCatalogEntry must target common_core, got %s", c.Profile.ProfileID)
	}
	var body struct {
		OfferID          string `json:"offerId"`
		PurchaseQuantity int    `json:"purchaseQuantity"`
		Currency         string `json:"currency"`
	}
	if err := c.Decode(&body); err != nil {
		return err
	}
	if body.Currency != "MtxCurrency" {
		return InvalidRequest("unsupported currency %q", body.Currency)
	}
	if body.PurchaseQuantity == 0 {
		body.PurchaseQuantity = 1
	}
	if body.PurchaseQuantity < 1 {
		return InvalidRequest("purchaseQuantity %d out of range", body.PurchaseQuantity)
	}

	offer, err := c.resolveOffer(body.OfferID)
	if err != nil {
		return err
	}
	total := offer.FinalPrice * body.PurchaseQuantity
	grants := aggregateGrants(offer.Grants)

	athena, err := c.Secondary(TypeAthena)
	if err != nil {
		return err
	}
	for _, grant := range grants {
		if _, item := athena.FindItemByTemplate(grant.TemplateID); item != nil {
			return Conflict("already owns %s", grant.TemplateID)
		}
	}

	mtxID, mtx := c.mtxItem()
	if mtx.Quantity < total {
		return InvalidRequest("insufficient MTX: have %d, need %d", mtx.Quantity, total)
	}
	mtx.Quantity -= total
	c.Emit(ItemQuantityChanged(mtxID, mtx.Quantity))

	var loot []LootEntry
	for _, grant := range grants {
		itemID := uuid.NewString()
		qty := grant.Quantity * body.PurchaseQuantity
		athena.Items[itemID] = &Item{
			TemplateID: grant.TemplateID,
			Attributes: map[string]any{"item_seen": false, "favorite": false},
			Quantity:   qty,
		}
		c.EmitSecondary(TypeAthena, ItemAdded(itemID, athena.Items[itemID]))
		loot = append(loot, LootEntry{ItemType: grant.TemplateID, ItemGUID: itemID, Quantity: qty})
	}

	history := c.purchaseHistory()
	history.Purchases = append(history.Purchases, PurchaseRecord{
		PurchaseID:   uuid.NewString(),
		OfferID:      offer.OfferID,
		PurchaseDate: FormatTime(c.Now),
		TotalMtxPaid: total,
		LootResult:   loot,
	})
	c.Profile.Stats.Attributes["mtx_purchase_history"] = history
	c.Emit(StatModified("mtx_purchase_history", history))
	return nil
}

func opGiftCatalogEntry(c *OpContext) error {
	if c.Profile.ProfileID != TypeCommonCore {
		return InvalidRequest("GiftCatalogEntry must target common_core, got %s", c.Profile.ProfileID)
	}
	var body struct {
		OfferID            string   `json:"offerId"`
		ReceiverAccountIDs []string `json:"receiverAccountIds"`
		PersonalMessage    string   `json:"personalMessage"`
		GiftWrapTemplateID string   `json:"giftWrapTemplateId"`
	}
	if err := c.Decode(&body); err != nil {
		return err
	}
	if len(body.ReceiverAccountIDs) == 0 {
		return InvalidRequest("no receivers")
	}
	seen := make(map[string]bool, len(body.ReceiverAccountIDs))
	for _, rid := range body.ReceiverAccountIDs {
		if seen[rid] {
			return InvalidRequest("duplicate receiver %s", rid)
		}
		seen[rid] = true
	}

	for _, rid := range body.ReceiverAccountIDs {
		// Gifting to yourself is allowed and needs no friendship.
		if rid == c.AccountID {
			continue
		}
		if c.engine.friends == nil {
			return Internal("gifting requires a friend checker")
		}
		ok, err := c.engine.friends.AreAcceptedFriends(c.AccountID, rid)
		if err != nil {
			return Internal("friend lookup: %v", err)
		}
		if !ok {
			return Forbidden("%s is not an accepted friend", rid)
		}
	}

	offer, err := c.resolveOffer(body.OfferID)
	if err != nil {
		return err
	}
	total := offer.FinalPrice * len(body.ReceiverAccountIDs)

	mtxID, mtx := c.mtxItem()
	if mtx.Quantity < total {
		return InvalidRequest("insufficient MTX: have %d, need %d", mtx.Quantity, total)
	}
	mtx.Quantity -= total
	c.Emit(ItemQuantityChanged(mtxID, mtx.Quantity))

	wrap := body.GiftWrapTemplateID
	if wrap == "" {
		wrap = "GiftBox:GB_Default"
	}

	// Deliveries take the receivers' account locks, so they run after this
	// operation commits and the sender's lock is released. The sender's
	// debit is durable before any receiver is touched; a crash in between
	// loses the gift but never duplicates currency.
	sender := c.AccountID
	offerID := offer.OfferID
	price := offer.FinalPrice
	grants := aggregateGrants(offer.Grants)
	message := body.PersonalMessage
	giftedOn := FormatTime(c.Now)
	for _, rid := range body.ReceiverAccountIDs {
		receiver := rid
		c.After(func(e *Engine) {
			deliverGift(e, sender, receiver, offerID, price, wrap, message, giftedOn, grants)
		})
	}
	return nil
}

// deliverGift grants the offer's items into the receiver's athena profile
// and appends a gift-box record to their common_core, then records the
// audit row and pings the receiver's live session.
func deliverGift(e *Engine, sender, receiver, offerID string, price int, wrap, message, giftedOn string, grants []Grant) {
	var loot []LootEntry
	err := e.MutateProfile(receiver, TypeAthena, func(p *Profile) ([]Change, error) {
		var changes []Change
		for _, grant := range grants {
			if _, item := p.FindItemByTemplate(grant.TemplateID); item != nil {
				continue
			}
			itemID := uuid.NewString()
			p.Items[itemID] = &Item{
				TemplateID: grant.TemplateID,
				Attributes: map[string]any{"item_seen": false, "favorite": false},
				Quantity:   grant.Quantity,
			}
			changes = append(changes, ItemAdded(itemID, p.Items[itemID]))
			loot = append(loot, LootEntry{ItemType: grant.TemplateID, ItemGUID: itemID, Quantity: grant.Quantity})
		}
		return changes, nil
	})
	if err != nil {
		logDeliveryFailure(receiver, offerID, err)
		return
	}

	err = e.MutateProfile(receiver, TypeCommonCore, func(p *Profile) ([]Change, error) {
		var gifts []GiftRecord
		if _, err := statAttr(p, "gifts", &gifts); err != nil {
			gifts = nil
		}
		gifts = append(gifts, GiftRecord{
			TemplateID:      wrap,
			FromAccountID:   sender,
			OfferID:         offerID,
			GiftedOn:        giftedOn,
			PersonalMessage: message,
			LootList:        loot,
		})
		p.Stats.Attributes["gifts"] = gifts
		return []Change{StatModified("gifts", gifts)}, nil
	})
	if err != nil {
		logDeliveryFailure(receiver, offerID, err)
		return
	}

	if e.receipts != nil {
		if err := e.receipts.RecordGiftReceipt(sender, receiver, offerID, price); err != nil {
			logDeliveryFailure(receiver, offerID, err)
		}
	}
	if e.notifier != nil {
		e.notifier.NotifyAccount(receiver, map[string]any{
			"type":          "gift.received",
			"fromAccountId": sender,
			"offerId":       offerID,
			"giftedOn":      giftedOn,
		})
	}
}

func opRefundMtxPurchase(c *OpContext) error {
	if c.Profile.ProfileID != TypeCommonCore {
		return InvalidRequest("RefundMtxPurchase must target common_core, got %s", c.Profile.ProfileID)
	}
	var body struct {
		PurchaseID string `json:"purchaseId"`
	}
	if err := c.Decode(&body); err != nil {
		return err
	}

	history := c.purchaseHistory()
	idx := -1
	for i := range history.Purchases {
		if history.Purchases[i].PurchaseID == body.PurchaseID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return NotFound("purchase %s not found", body.PurchaseID)
	}
	record := &history.Purchases[idx]
	if record.Refunded {
		return Conflict("purchase %s already refunded", body.PurchaseID)
	}

	athena, err := c.Secondary(TypeAthena)
	if err != nil {
		return err
	}
	for _, entry := range record.LootResult {
		if athena.Item(entry.ItemGUID) == nil {
			continue
		}
		delete(athena.Items, entry.ItemGUID)
		c.EmitSecondary(TypeAthena, ItemRemoved(entry.ItemGUID))
	}

	mtxID, mtx := c.mtxItem()
	mtx.Quantity += record.TotalMtxPaid
	c.Emit(ItemQuantityChanged(mtxID, mtx.Quantity))

	record.Refunded = true
	history.RefundsUsed++
	history.RefundCredits--
	c.Profile.Stats.Attributes["mtx_purchase_history"] = history
	c.Emit(StatModified("mtx_purchase_history", history))
	return nil
}

// aggregateGrants folds duplicate templateIds in an offer into a single
// grant with the quantities summed, preserving first-seen order. One item
// entry is created per distinct template.
func aggregateGrants(grants []Grant) []Grant {
	out := make([]Grant, 0, len(grants))
	index := make(map[string]int, len(grants))
	for _, g := range grants {
		if i, ok := index[g.TemplateID]; ok {
			out[i].Quantity += g.Quantity
			continue
		}
		index[g.TemplateID] = len(out)
		out = append(out, g)
	}
	return out
}

// resolveOffer looks up a shop offer, mapping engine misconfiguration and
// unknown offers to typed errors.
func (c *OpContext) resolveOffer(offerID string) (*Offer, error) {
	if offerID == "" {
		return nil, InvalidRequest("missing offerId")
	}
	if c.engine.catalog == nil {
		return nil, Internal("no catalog configured")
	}
	offer, ok := c.engine.catalog.Offer(offerID)
	if !ok {
		return nil, NotFound("offer %s not found", offerID)
	}
	return offer, nil
}

// mtxItem returns the premium-currency item of the primary profile,
// creating a zero-balance one if the document predates currency seeding.
func (c *OpContext) mtxItem() (string, *Item) {
	if id, item := c.Profile.FindItemByTemplate(MtxTemplateID); item != nil {
		return id, item
	}
	id := uuid.NewString()
	item := &Item{
		TemplateID: MtxTemplateID,
		Attributes: map[string]any{"platform": "Shared"},
		Quantity:   0,
	}
	c.Profile.Items[id] = item
	c.Emit(ItemAdded(id, item))
	return id, item
}

// purchaseHistory returns a typed copy of the mtx_purchase_history stat.
// Callers mutate the copy and write it back with StatModified.
func (c *OpContext) purchaseHistory() PurchaseHistory {
	var history PurchaseHistory
	if ok, err := statAttr(c.Profile, "mtx_purchase_history", &history); !ok || err != nil {
		history = PurchaseHistory{RefundCredits: 3, Purchases: []PurchaseRecord{}}
	}
	if history.Purchases == nil {
		history.Purchases = []PurchaseRecord{}
	}
	return history
}

func logDeliveryFailure(receiver, offerID string, err error) {
	// Delivery is best-effort after the sender's debit commits; the receipt
	// table is the reconciliation source when this fires.
	errorLog.Printf("gift delivery to %s (offer %s) failed: %v", receiver, offerID, err)
}
