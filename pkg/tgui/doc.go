// Package tgui holds the small chat UI helpers the command handlers share:
// HTML escaping for parse mode HTML, callback data in "ns:action:payload"
// form, inline keyboard rows and list paging.
package tgui
