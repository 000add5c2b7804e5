// script.go — JavaScript evaluated in the page by the content adapter.
package browser

import (
	"encoding/json"
	"strings"
)

// scrollStepJS scrolls by one increment and reports whether the viewport
// reached the document bottom. %d is the step in pixels.
const scrollStepJS = `(function(step) {
  window.scrollBy(0, step);
  return Math.ceil(window.scrollY + window.innerHeight) >= document.body.scrollHeight;
})(%d)`

// clickJS clicks the first match of the selector, reporting whether an
// element was found. %s is a JSON-quoted selector.
const clickJS = `(function(sel) {
  var el = document.querySelector(sel);
  if (!el) return false;
  el.click();
  return true;
})(%s)`

// activePageJS reads the pagination control's current page, defaulting to 1
// when the page carries no pagination.
const activePageJS = `(function() {
  var el = document.querySelector('[aria-current="page"], .pagination .selected, [data-active-page]');
  if (!el) return 1;
  var n = parseInt(el.getAttribute('data-active-page') || el.getAttribute('data-page') || el.textContent, 10);
  return isNaN(n) ? 1 : n;
})()`

// extractSchemaJS collects structured records from the rendered DOM:
// JSON-LD blocks classified into listing-shaped entries (Product/ItemList
// members) and other schema blocks, plus listing cards exposed via
// data-listing-id attributes.
const extractSchemaJS = `(function() {
  var listings = [];
  var schemas = [];

  var blocks = document.querySelectorAll('script[type="application/ld+json"]');
  for (var i = 0; i < blocks.length; i++) {
    var parsed;
    try { parsed = JSON.parse(blocks[i].textContent); } catch (e) { continue; }
    var nodes = Array.isArray(parsed) ? parsed : [parsed];
    for (var j = 0; j < nodes.length; j++) {
      var node = nodes[j];
      if (!node || typeof node !== 'object') continue;
      if (node['@type'] === 'Product') {
        listings.push(node);
      } else if (node['@type'] === 'ItemList' && Array.isArray(node.itemListElement)) {
        for (var k = 0; k < node.itemListElement.length; k++) {
          var item = node.itemListElement[k] && node.itemListElement[k].item;
          if (item && typeof item === 'object') listings.push(item);
        }
      } else {
        schemas.push(node);
      }
    }
  }

  var cards = document.querySelectorAll('[data-listing-id]');
  for (var c = 0; c < cards.length; c++) {
    var card = cards[c];
    var title = card.querySelector('h3, h2, [data-listing-title]');
    var price = card.querySelector('.currency-value, [data-price]');
    var link = card.querySelector('a[href]');
    listings.push({
      listingId: card.getAttribute('data-listing-id'),
      title: title ? title.textContent.trim() : '',
      price: price ? price.textContent.trim() : '',
      url: link ? link.href : ''
    });
  }

  return { listings: listings, schemas: schemas };
})()`

// jsString JSON-quotes a Go string for safe embedding in evaluated JS.
func jsString(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `"` + strings.ReplaceAll(s, `"`, ``) + `"`
	}
	return string(data)
}
