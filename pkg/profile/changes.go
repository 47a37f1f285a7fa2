package profile

// Change is one entry in the diff a mutating operation returns. The
// changeType discriminator selects which of the optional fields are
// populated; clients apply entries strictly in list order.
type Change struct {
	ChangeType     string   `json:"changeType"`
	ItemID         string   `json:"itemId,omitempty"`
	Item           *Item    `json:"item,omitempty"`
	Quantity       *int     `json:"quantity,omitempty"`
	AttributeName  string   `json:"attributeName,omitempty"`
	AttributeValue any      `json:"attributeValue,omitempty"`
	Name           string   `json:"name,omitempty"`
	Value          any      `json:"value,omitempty"`
	Profile        *Profile `json:"profile,omitempty"`
}

func ItemAdded(itemID string, item *Item) Change {
	return Change{ChangeType: "itemAdded", ItemID: itemID, Item: item}
}

func ItemRemoved(itemID string) Change {
	return Change{ChangeType: "itemRemoved", ItemID: itemID}
}

func ItemQuantityChanged(itemID string, quantity int) Change {
	return Change{ChangeType: "itemQuantityChanged", ItemID: itemID, Quantity: &quantity}
}

func ItemAttrChanged(itemID, attributeName string, attributeValue any) Change {
	return Change{ChangeType: "itemAttrChanged", ItemID: itemID, AttributeName: attributeName, AttributeValue: attributeValue}
}

func StatModified(name string, value any) Change {
	return Change{ChangeType: "statModified", Name: name, Value: value}
}

func FullProfileUpdate(p *Profile) Change {
	return Change{ChangeType: "fullProfileUpdate", Profile: p}
}
